package models

import "time"

// GenerationOptions controls a single model call. MaxTokens <= 0 leaves the
// model default in place.
type GenerationOptions struct {
	Temperature float64
	MaxTokens   int
}

// SourcedAnswer is what grounded generation returns.
type SourcedAnswer struct {
	Answer  string
	Sources string
}

// AnswerRecord is the outcome of one question.
type AnswerRecord struct {
	Question     string    `json:"question"`
	Answer       string    `json:"answer"`
	Sources      string    `json:"sources"`
	FallbackUsed bool      `json:"fallback_used"`
	AskedAt      time.Time `json:"asked_at"`
	Matches      []Match   `json:"-"`
}

// Transcript is an append-only, oldest-first list of answered questions.
type Transcript []AnswerRecord

// Append returns a new transcript with rec at the end. The receiver is left
// untouched so callers holding the previous value never observe the change.
func (t Transcript) Append(rec AnswerRecord) Transcript {
	out := make(Transcript, len(t), len(t)+1)
	copy(out, t)
	return append(out, rec)
}

// NewestFirst returns the records in reverse chronological order.
func (t Transcript) NewestFirst() []AnswerRecord {
	out := make([]AnswerRecord, len(t))
	for i := range t {
		out[len(t)-1-i] = t[i]
	}
	return out
}

package models

const (
	ThinkTag          = `(?s)<think>.*?</think>`
	SourcesMarker     = `(?im)^\s*SOURCES?\s*:`
	FinalAnswerPrefix = `(?i)^\s*FINAL ANSWER\s*:\s*`
	ContextSeparator  = "\n\n"
	UngroundedSource  = "<ungrounded>"
)

var (
	DefaultRefusalPhrases = []string{"i don't know", "i do not know"}

	// GroundedPromptTemplate takes the question and the context block.
	GroundedPromptTemplate = `Given the following extracted parts of long documents and a question, create a final answer with references ("SOURCES").
If you don't know the answer, just say "I don't know". Don't try to make up an answer.
ALWAYS return a "SOURCES" part in your answer, listing the Source values of the parts you used.

QUESTION: %s
=========
%s
=========
FINAL ANSWER:`

	// FallbackPromptTemplate takes the raw question only.
	FallbackPromptTemplate = "%s\n\nAnswer:"

	ContextEntryTemplate = "Content: %s\nSource: %s"
)

package models

// Document is a source file read at ingestion time.
type Document struct {
	Source  string
	Content string
}

// Metadata describes where a chunk came from.
// metadatas[i] always belongs to chunks[i].
type Metadata struct {
	Source string `json:"source" msgpack:"source"`
}

// Match is a single nearest-neighbour hit resolved through the side-table.
type Match struct {
	Position   int
	Content    string
	Metadata   Metadata
	Similarity float32
}

package storage

// Observation pairs a post's raw payload with its author's score payload.
// Rows are append-only; nothing in this package updates or deletes them.
type Observation struct {
	ScreenName string
	PostJSON   string // post as delivered by the stream, verbatim
	ScoreJSON  string // scoring API response, verbatim
}

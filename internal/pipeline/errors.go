package pipeline

import "fmt"

// maxRawErrBytes bounds how much of a model response an error may carry.
const maxRawErrBytes = 500

// MatchParseError indicates the matching model returned output that could not
// be parsed into ranked candidates. Raw holds the truncated response for
// diagnostics.
type MatchParseError struct {
	Raw string
}

func (e *MatchParseError) Error() string {
	return fmt.Sprintf("pipeline: unparseable match response: %s", e.Raw)
}

func newMatchParseError(raw string) *MatchParseError {
	if len(raw) > maxRawErrBytes {
		raw = raw[:maxRawErrBytes] + "..."
	}
	return &MatchParseError{Raw: raw}
}

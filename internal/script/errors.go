package script

import "fmt"

// SyntaxError is returned for any script that cannot be parsed. Scripts with syntax errors are never
// partially executed.
type SyntaxError struct {
	Line   int
	Text   string
	Reason string
}

func (e *SyntaxError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("script syntax error: %s", e.Reason)
	}
	return fmt.Sprintf("script syntax error on line %d: %s (%q)", e.Line, e.Reason, e.Text)
}

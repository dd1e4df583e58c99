package tools

import (
	"fmt"
	"strings"
)

// ValidationError is returned when tool arguments do not satisfy the
// tool's schema. The offending call gets a structured error result;
// the turn continues.
type ValidationError struct {
	Tool     string
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

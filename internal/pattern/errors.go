package pattern

import (
	"errors"
	"fmt"
)

// ErrPattern is the root of the package's error taxonomy. Every domain
// error returned here wraps it, so callers can match with errors.Is.
var ErrPattern = errors.New("pattern error")

// ErrIncompleteStage marks operations invoked before their prerequisite
// stage exists, e.g. proposing PREFIX without an accepted FIX.
var ErrIncompleteStage = fmt.Errorf("incomplete stage: %w", ErrPattern)

func patternErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrPattern)...)
}

func incompleteStagef(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrIncompleteStage)...)
}

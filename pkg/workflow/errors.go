package workflow

import "errors"

var (
	// ErrUnknownDeckType fails a run whose deck type has no processor.
	ErrUnknownDeckType = errors.New("unknown deck type")
	// ErrStepLimit fails a run that used its whole step budget without draining the deck.
	ErrStepLimit = errors.New("step limit exceeded")
	// ErrEmptyImage is returned when the image model produced no bytes.
	ErrEmptyImage = errors.New("empty image")
)

// IsTerminal reports whether err ends a run for good. Other errors are
// transient and the run should be retried from its cursor.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrUnknownDeckType) || errors.Is(err, ErrStepLimit)
}

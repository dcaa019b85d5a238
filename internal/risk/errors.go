package risk

import (
	"errors"
	"fmt"
)

// RejectionError is returned by pre-send order checks. The order was
// never sent, no market action occurred, and the caller may retry later;
// it is deliberately distinct from the breaches that trip safe mode.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return "order rejected: " + e.Reason }

func rejectf(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a pre-send order rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

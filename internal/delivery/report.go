package delivery

import (
	"errors"
	"fmt"
)

// ErrArtifactTooLarge is reported when a part stays above the upload ceiling
// even after it was split once.
var ErrArtifactTooLarge = errors.New("artifact exceeds delivery ceiling")

// Status is the outcome of one Advance call.
type Status int

const (
	NoContent Status = iota
	Busy
	AllDelivered
	ProductionFailed
	Delivered
	DeliveryFailed
	// Discarded means the session was reset while the part was in flight.
	Discarded
)

func (s Status) String() string {
	switch s {
	case NoContent:
		return "no_content"
	case Busy:
		return "busy"
	case AllDelivered:
		return "all_delivered"
	case ProductionFailed:
		return "production_failed"
	case Delivered:
		return "delivered"
	case DeliveryFailed:
		return "delivery_failed"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Report describes what Advance did. Number and Total are set once a part
// was handed out.
type Report struct {
	Status   Status
	Number   int
	Total    int
	Label    string
	JobID    string
	Attempts int
	Err      error
}

// Last reports whether the delivered part was the final one.
func (r Report) Last() bool {
	return r.Status == Delivered && r.Number >= r.Total
}

// DeliveryError wraps the transport error that ended the retry loop.
type DeliveryError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery error %s after %d attempt(s): %v", e.JobID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

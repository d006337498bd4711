package clock

import "time"

// Clock is read once per reconciliation or job pass and the value threaded through.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

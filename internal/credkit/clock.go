package credkit

import "time"

// MonotonicClock reports elapsed milliseconds since an arbitrary fixed origin.
// Readings never move backwards when the wall clock is adjusted, so expiry
// arithmetic stays valid across clock changes. The origin is process-local;
// a record stamped in a previous process lifetime yields a negative elapsed
// value, which readers treat as "not expired" and leave to the server.
type MonotonicClock interface {
	NowMillis() int64
}

type systemMonotonicClock struct {
	origin time.Time
}

// NewSystemMonotonicClock constructs a MonotonicClock anchored at the current instant.
func NewSystemMonotonicClock() MonotonicClock {
	return &systemMonotonicClock{origin: time.Now()}
}

// NowMillis returns milliseconds elapsed since the clock's origin using the
// runtime's monotonic reading.
func (clock *systemMonotonicClock) NowMillis() int64 {
	return time.Since(clock.origin).Milliseconds()
}

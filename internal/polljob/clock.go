package polljob

import "time"

// Clock abstracts tick scheduling so the controller can be driven by real
// timers in production and a manual clock in tests.
type Clock interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is the stoppable handle for one scheduled tick.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// RealClock returns a Clock backed by time.AfterFunc.
func RealClock() Clock { return realClock{} }

package clock

import "time"

// Clock supplies the current time to services.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// System returns a UTC wall clock.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }

type fixedClock struct {
	now time.Time
}

// Fixed always returns t; used by tests.
func Fixed(t time.Time) Clock { return fixedClock{now: t.UTC()} }

func (f fixedClock) Now() time.Time { return f.now }

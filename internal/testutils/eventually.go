package test

import "time"

// WaitDuration and WaitTick are the usual "waitFor" and "tick" arguments for
// require.Eventually in tests which wait for a background loop to catch up.
const (
	WaitDuration = 2 * time.Second
	WaitTick     = 20 * time.Millisecond
)

package utp

import "time"

// SystemClock implements Clock over the real wall clock.
type SystemClock struct{}

// NowMicro returns microseconds since the Unix epoch.
func (SystemClock) NowMicro() int64 { return time.Now().UnixMicro() }

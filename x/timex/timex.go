package timex

import "time"

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// Ms converts a millisecond count into a Duration; the single place where
// configured timeouts become scheduler ticks.
func Ms(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

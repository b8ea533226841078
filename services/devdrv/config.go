package devdrv

// Build-time defaults; Config zero fields fall back to these.
const (
	DefaultQueueLen     = 10
	DefaultBufLen       = 20
	DefaultLockupMs     = 20
	DefaultInitLockupMs = 500
	DefaultBusyMs       = 100
	DefaultRetries      = 10
	DefaultDebugLevel   = 1
)

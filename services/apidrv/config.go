package apidrv

// Build-time defaults; Config zero fields fall back to these.
const (
	DefaultQueueLen   = 10
	DefaultDeferLen   = 5
	DefaultInitMs     = 1000
	DefaultBusyMs     = 250
	DefaultRetries    = 10
	DefaultDebugLevel = 1
)

// Shared signal vocabulary and payload shapes for the driver pair.
package types

import (
	"drivercode-go/ao"
	"drivercode-go/errcode"
)

// ---- Signals ----

const (
	// Lifecycle and control (both AOs)
	SigEnable ao.Signal = ao.SigUser + iota
	SigDisable
	SigStop
	SigRequestStatus
	SigDebugLevel

	// Client-facing transactions
	SigRead
	SigWrite
	SigResponse

	// Published lifecycle reports (device -> subscribers)
	SigReadyReport
	SigDisableReport
	SigErrorReport

	// Internal actions (self-posted)
	SigEnterIdle
	SigStartRW
	SigStartInit
	SigRetry

	// Timer expiries
	SigLockupTimeout
	SigBusyTimeout

	// Status query reply
	SigStatusReply

	// I2C controller protocol
	SigCommRequest
	SigCommComplete
	SigCommError
	SigBusStatus
)

// ---- Status model ----

type Status uint8

const (
	StatusUnknown Status = iota
	StatusDisabled
	StatusEnabled
	StatusFatalError
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusEnabled:
		return "enabled"
	case StatusFatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// StatusInfo is the retained per-AO status document.
type StatusInfo struct {
	Status    Status
	LastError errcode.Code
	LastHAL   uint32
	TSms      int64
}

// ReportKind tags a published lifecycle report.
type ReportKind uint8

const (
	ReportReady ReportKind = iota
	ReportDisabled
	ReportError
)

// Report announces a lifecycle edge of one AO.
type Report struct {
	Kind ReportKind
	From string
	Code errcode.Code
}

// GenericError is the published observability record for any AO-level fault.
type GenericError struct {
	Code     errcode.Code
	AO       string
	Severity errcode.Severity
	Subsys   string
	Extra    uint32
}

// ---- Transactions ----

type OpKind uint8

const (
	OpRead OpKind = iota
	OpWrite
)

func (o OpKind) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// RWRequest asks a driver AO to move bytes to or from a device register.
// Requester and ReqID form the reply correlation pair: the eventual Response
// echoes ReqID and is posted to Requester.
type RWRequest struct {
	Reg       uint8
	Buf       []byte
	Requester ao.Inbox
	ReqID     uint32
}

// Response is the terminal reply for one RWRequest. Err is errcode.OK on
// success; Buf aliases the request buffer.
type Response struct {
	Op    OpKind
	Reg   uint8
	Buf   []byte
	ReqID uint32
	Err   errcode.Code
}

// StatusRequest carries the reply correlation pair for SigRequestStatus.
type StatusRequest struct {
	Requester ao.Inbox
	ReqID     uint32
}

// StatusReply answers SigRequestStatus.
type StatusReply struct {
	Status    Status
	LastError errcode.Code
	LastHAL   uint32
	Stats     TimingStats
	ReqID     uint32
}

// ReadParams and WriteParams are the bus-facing control payloads; the control
// pump turns them into RWRequests aimed back at the publisher's reply topic.
type ReadParams struct {
	Reg uint8
	Len int
}

type WriteParams struct {
	Reg  uint8
	Data []byte
}

// TimingStats accumulates time spent in and out of the busy superstate.
type TimingStats struct {
	IdleNs int64
	BusyNs int64
}

// DebugLevelSet carries a SigDebugLevel payload.
type DebugLevelSet struct {
	Level int
}

// ---- I2C controller contract ----

type BusID uint8

const (
	BusInternal BusID = iota
	BusExternal
)

type RegAddrMode uint8

const (
	RegAddr8 RegAddrMode = iota
	RegAddr16
)

// Txn is one element of a combined I2C transfer.
type Txn struct {
	Op          OpKind
	RegAddrMode RegAddrMode
	RegAddr     uint16
	TxBuf       []byte
	RxBuf       []byte
	NakExpected bool
}

// CommRequest is a replyable I2C transaction request. The controller echoes
// ID in CommComplete/CommError posted to Requester.
type CommRequest struct {
	BusID     BusID
	SlaveAddr uint16
	Txns      []Txn
	Requester ao.Inbox
	ID        uint32
}

type CommComplete struct {
	ID uint32
}

type CommError struct {
	ID      uint32
	HALCode uint32
	Code    errcode.Code
}

// BusReadiness is published (retained) by the controller.
type BusReadiness uint8

const (
	NoneReady BusReadiness = iota
	InternalOnlyReady
	ExternalOnlyReady
	BothReady
)

func (r BusReadiness) String() string {
	switch r {
	case InternalOnlyReady:
		return "internal_only"
	case ExternalOnlyReady:
		return "external_only"
	case BothReady:
		return "both"
	default:
		return "none"
	}
}

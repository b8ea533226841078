// Shared plumbing for the driver active objects: topic layout, once-per-change
// status publication, lifecycle reports, and the bounded retry policy.
package drvcore

import (
	"drivercode-go/ao"
	"drivercode-go/bus"
	"drivercode-go/errcode"
	"drivercode-go/types"
	"drivercode-go/x/timex"
)

// drv/<name>/status|report|error
func StatusTopic(name string) bus.Topic { return bus.T("drv", name, "status") }
func ReportTopic(name string) bus.Topic { return bus.T("drv", name, "report") }
func ErrorTopic(name string) bus.Topic  { return bus.T("drv", name, "error") }

// i2c/status (retained readiness)
func I2CStatusTopic() bus.Topic { return bus.T("i2c", "status") }

// StatusPublisher de-chatters status announcements: a change is published
// exactly once, retained, and repeats are suppressed.
type StatusPublisher struct {
	conn *bus.Connection
	name string
	last types.StatusInfo
	has  bool
}

func NewStatusPublisher(conn *bus.Connection, name string) *StatusPublisher {
	return &StatusPublisher{conn: conn, name: name}
}

func (p *StatusPublisher) Announce(st types.Status, lastErr errcode.Code, lastHAL uint32) {
	if p.has && p.last.Status == st && p.last.LastError == lastErr && p.last.LastHAL == lastHAL {
		return
	}
	info := types.StatusInfo{Status: st, LastError: lastErr, LastHAL: lastHAL, TSms: timex.NowMs()}
	p.last, p.has = info, true
	p.conn.Publish(p.conn.NewMessage(StatusTopic(p.name), info, true))
}

// Current returns the last announced status (StatusUnknown before the first).
func (p *StatusPublisher) Current() types.Status {
	if !p.has {
		return types.StatusUnknown
	}
	return p.last.Status
}

// PublishReport emits a lifecycle report (not retained; subscribers that need
// the level consult the retained status topic).
func PublishReport(conn *bus.Connection, name string, kind types.ReportKind, code errcode.Code) {
	conn.Publish(conn.NewMessage(ReportTopic(name), types.Report{Kind: kind, From: name, Code: code}, false))
}

// PublishError emits a GenericError observability record.
func PublishError(conn *bus.Connection, ge types.GenericError) {
	conn.Publish(conn.NewMessage(ErrorTopic(ge.AO), ge, false))
}

// ReportEvent translates a report bus message into an inbox event; used with
// AO.Forward by subscribers of another AO's report topic.
func ReportEvent(m *bus.Message) (ao.Event, bool) {
	rep, ok := ao.As[types.Report](m.Payload)
	if !ok {
		return ao.Event{}, false
	}
	var sig ao.Signal
	switch rep.Kind {
	case types.ReportReady:
		sig = types.SigReadyReport
	case types.ReportDisabled:
		sig = types.SigDisableReport
	case types.ReportError:
		sig = types.SigErrorReport
	default:
		return ao.Event{}, false
	}
	return ao.Event{Sig: sig, Payload: rep}, true
}

// Retry bounds restart attempts per AO instance. Try self-posts sig and
// reports true while under the bound; at the bound it posts nothing and the
// caller decides what failure means. Reset on entry to idle so unrelated
// operations never accumulate.
type Retry struct {
	Max int
	n   int
}

func (r *Retry) Try(a *ao.AO, sig ao.Signal) bool {
	if r.n >= r.Max {
		return false
	}
	r.n++
	a.Post(ao.Event{Sig: sig})
	return true
}

func (r *Retry) Reset()     { r.n = 0 }
func (r *Retry) Count() int { return r.n }

// High-level API driver active object. Presents the enable/disable/status
// contract to clients, mirrors the device driver's lifecycle, defers client
// requests while one is in flight, and surfaces fatal device errors.
package apidrv

import (
	"context"
	"time"

	"drivercode-go/ao"
	"drivercode-go/bus"
	"drivercode-go/errcode"
	"drivercode-go/services/internal/drvcore"
	"drivercode-go/types"
	"drivercode-go/x/timex"
)

type Config struct {
	Name       string
	Device     ao.Inbox // downstream device driver AO
	DeviceName string   // for the report subscription

	QueueLen   int
	DeferLen   int
	InitMs     int // startup watchdog
	BusyMs     int // per-request watchdog
	Retries    int
	DebugLevel int
}

func (c *Config) applyDefaults() {
	if c.QueueLen <= 0 {
		c.QueueLen = DefaultQueueLen
	}
	if c.DeferLen <= 0 {
		c.DeferLen = DefaultDeferLen
	}
	if c.InitMs <= 0 {
		c.InitMs = DefaultInitMs
	}
	if c.BusyMs <= 0 {
		c.BusyMs = DefaultBusyMs
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.DebugLevel <= 0 {
		c.DebugLevel = DefaultDebugLevel
	}
}

type Driver struct {
	*ao.AO

	cfg    Config
	pub    *drvcore.StatusPublisher
	retry  drvcore.Retry
	lockup *ao.TimeEvent
	busyWd *ao.TimeEvent

	backstop *ao.State
	disabled *ao.State
	starting *ao.State
	errSt    *ao.State
	enabled  *ao.State
	idle     *ao.State
	busy     *ao.State

	// Pending client request; mutated only from the run loop.
	op        types.OpKind
	reg       uint8
	buf       []byte
	requester ao.Inbox
	reqID     uint32

	lastErr errcode.Code

	// Idle/busy accumulators.
	stats    types.TimingStats
	edgeNs   int64
	ctrlSub  *bus.Subscription
	repSub   *bus.Subscription
}

func New(conn *bus.Connection, cfg Config) *Driver {
	cfg.applyDefaults()
	d := &Driver{
		cfg: cfg,
		AO: ao.New(cfg.Name, conn, ao.Config{
			QueueLen:   cfg.QueueLen,
			DeferLen:   cfg.DeferLen,
			DebugLevel: cfg.DebugLevel,
		}),
		pub:    drvcore.NewStatusPublisher(conn, cfg.Name),
		edgeNs: time.Now().UnixNano(),
	}
	d.retry = drvcore.Retry{Max: cfg.Retries}
	d.lockup = d.NewTimeEvent(types.SigLockupTimeout)
	d.busyWd = d.NewTimeEvent(types.SigBusyTimeout)

	d.backstop = d.State("backstop", ao.StateSpec{Handle: d.hBackstop})
	d.disabled = d.State("disabled", ao.StateSpec{Parent: d.backstop, Entry: d.eDisabled, Handle: d.hDisabled})
	d.starting = d.State("starting", ao.StateSpec{Parent: d.backstop, Entry: d.eStarting, Exit: d.xStarting, Handle: d.hStarting})
	d.errSt = d.State("error", ao.StateSpec{Parent: d.backstop, Entry: d.eError, Handle: d.hError})
	d.enabled = d.State("enabled", ao.StateSpec{Parent: d.backstop, Entry: d.eEnabled, Handle: d.hEnabled})
	d.idle = d.State("idle", ao.StateSpec{Parent: d.enabled, Entry: d.eIdle, Handle: d.hIdle})
	d.busy = d.State("busy", ao.StateSpec{Parent: d.enabled, Entry: d.eBusy, Exit: d.xBusy, Handle: d.hBusy})
	d.SetTrace(func(format string, a ...any) { d.Logf(2, format, a...) })
	return d
}

// Start subscribes the control channel and the device's lifecycle reports,
// enters Disabled, and spawns the run loop.
func (d *Driver) Start(ctx context.Context) {
	d.ctrlSub = d.Conn().Subscribe(drvcore.ControlWildcard(d.Name()))
	d.Forward(d.ctrlSub, func(m *bus.Message) (ao.Event, bool) {
		return drvcore.ControlEvent(d.Conn(), m)
	})
	d.repSub = d.Conn().Subscribe(drvcore.ReportTopic(d.cfg.DeviceName))
	d.Forward(d.repSub, drvcore.ReportEvent)
	d.Begin(d.disabled)
	d.AO.Start(ctx)
}

// ---- Backstop ----

func (d *Driver) hBackstop(e ao.Event) ao.Disposition {
	switch e.Sig {
	case types.SigDebugLevel:
		if p, ok := ao.As[types.DebugLevelSet](e.Payload); ok {
			d.SetDebugLevel(p.Level)
		}
		return ao.Handled()

	case types.SigRequestStatus:
		d.replyStatus(e)
		return ao.Handled()

	case types.SigDisable:
		return ao.TransitionTo(d.disabled)

	case types.SigStop:
		d.Logf(2, "stopping")
		d.Halt()
		return ao.Handled()

	case types.SigErrorReport:
		// Fatal downstream error, wherever we are.
		d.lastErr = errcode.DeviceUnavailable
		d.fault(errcode.DeviceUnavailable, errcode.SevError)
		return ao.TransitionTo(d.errSt)

	case types.SigReadyReport, types.SigDisableReport:
		d.Logf(2, "device report sig=%d in %s", e.Sig, d.Current().Name())
		return ao.Handled()

	default:
		d.Logf(1, "dropping sig=%d in %s", e.Sig, d.Current().Name())
		return ao.Handled()
	}
}

// ---- Disabled ----

func (d *Driver) eDisabled() {
	d.pub.Announce(types.StatusDisabled, d.lastErr, 0)
	drvcore.PublishReport(d.Conn(), d.Name(), types.ReportDisabled, errcode.OK)
}

func (d *Driver) hDisabled(e ao.Event) ao.Disposition {
	switch e.Sig {
	case types.SigEnable:
		return ao.TransitionTo(d.starting)
	case types.SigDisable:
		// Idempotent: observable as a fresh report only.
		drvcore.PublishReport(d.Conn(), d.Name(), types.ReportDisabled, errcode.OK)
		return ao.Handled()
	case types.SigRead, types.SigWrite:
		d.Logf(1, "reject %s: disabled", opOf(e.Sig))
		return ao.Handled()
	}
	return ao.Bubble()
}

// ---- Starting ----

func (d *Driver) eStarting() {
	d.retry.Reset()
	d.lockup.Arm(timex.Ms(d.cfg.InitMs))
	d.Post(ao.Event{Sig: types.SigStartInit})
}

func (d *Driver) xStarting() { d.lockup.Disarm() }

func (d *Driver) hStarting(e ao.Event) ao.Disposition {
	switch e.Sig {
	case types.SigStartInit, types.SigRetry:
		d.lockup.Arm(timex.Ms(d.cfg.InitMs))
		if !d.cfg.Device.Post(ao.Event{Sig: types.SigEnable}) {
			d.Logf(1, "device queue full, enable deferred to retry")
		}
		return ao.Handled()

	case types.SigReadyReport:
		return ao.TransitionTo(d.idle)

	case types.SigErrorReport:
		d.lastErr = errcode.DeviceUnavailable
		d.fault(errcode.DeviceUnavailable, errcode.SevError)
		return ao.TransitionTo(d.errSt)

	case types.SigLockupTimeout:
		if d.retry.Try(d.AO, types.SigRetry) {
			return ao.Handled()
		}
		d.lastErr = errcode.APITimeout
		d.fault(errcode.APITimeout, errcode.SevError)
		return ao.TransitionTo(d.errSt)

	case types.SigEnable:
		return ao.Handled() // already on the way up
	}
	return ao.Bubble()
}

// ---- Error ----

func (d *Driver) eError() {
	d.pub.Announce(types.StatusFatalError, d.lastErr, 0)
	drvcore.PublishReport(d.Conn(), d.Name(), types.ReportError, d.lastErr)
}

func (d *Driver) hError(e ao.Event) ao.Disposition {
	switch e.Sig {
	case types.SigEnable:
		return ao.TransitionTo(d.starting)
	case types.SigRead, types.SigWrite:
		d.Logf(1, "reject %s: fatal error latched", opOf(e.Sig))
		return ao.Handled()
	}
	return ao.Bubble()
}

// ---- Enabled ----

func (d *Driver) eEnabled() {
	d.pub.Announce(types.StatusEnabled, d.lastErr, 0)
	drvcore.PublishReport(d.Conn(), d.Name(), types.ReportReady, errcode.OK)
	d.Post(ao.Event{Sig: types.SigEnterIdle})
}

func (d *Driver) hEnabled(e ao.Event) ao.Disposition {
	switch e.Sig {
	case types.SigEnable:
		d.Logf(1, "duplicate enable")
		drvcore.PublishReport(d.Conn(), d.Name(), types.ReportReady, errcode.OK)
		return ao.Handled()
	case types.SigEnterIdle:
		return ao.TransitionTo(d.idle)
	}
	return ao.Bubble()
}

// ---- Idle ----

func (d *Driver) eIdle() {
	// Drain one held request; the run loop redelivers it here.
	if d.RecallOne() {
		d.Logf(2, "recalled deferred request (%d held)", d.DeferredLen())
	}
}

func (d *Driver) hIdle(e ao.Event) ao.Disposition {
	switch e.Sig {
	case types.SigRead, types.SigWrite:
		p, ok := ao.As[types.RWRequest](e.Payload)
		if !ok {
			d.Logf(1, "malformed %s request", opOf(e.Sig))
			return ao.Handled()
		}
		d.op = opOf(e.Sig)
		d.reg = p.Reg
		d.buf = p.Buf
		d.requester = p.Requester
		d.reqID = p.ReqID
		return ao.TransitionTo(d.busy)
	case types.SigEnterIdle:
		return ao.Handled()
	}
	return ao.Bubble()
}

// ---- Busy ----

func (d *Driver) eBusy() {
	d.busyWd.Arm(timex.Ms(d.cfg.BusyMs))
	d.tick(false)
	d.forwardDown()
}

func (d *Driver) xBusy() {
	d.busyWd.Disarm()
	d.tick(true)
}

func (d *Driver) hBusy(e ao.Event) ao.Disposition {
	switch e.Sig {
	case types.SigRead, types.SigWrite:
		if d.DeferEvent(e) {
			d.Logf(2, "deferred %s (%d held)", opOf(e.Sig), d.DeferredLen())
			return ao.Handled()
		}
		// Overflow: synchronous error, no state change.
		d.fault(errcode.QueueFull, errcode.SevWarning)
		if p, ok := ao.As[types.RWRequest](e.Payload); ok {
			d.respondTo(p.Requester, opOf(e.Sig), p.Reg, p.Buf, p.ReqID, errcode.QueueFull)
		}
		return ao.Handled()

	case types.SigResponse:
		p, ok := ao.As[types.Response](e.Payload)
		if !ok || p.ReqID != d.reqID {
			d.Logf(1, "stale response id=%d (current=%d)", p.ReqID, d.reqID)
			drvcore.PublishError(d.Conn(), types.GenericError{
				Code: errcode.MismatchRespID, AO: d.Name(), Severity: errcode.SevWarning,
				Subsys: "api", Extra: p.ReqID,
			})
			return ao.Handled()
		}
		d.respondTo(d.requester, p.Op, p.Reg, p.Buf, p.ReqID, p.Err)
		return ao.TransitionTo(d.idle)

	case types.SigBusyTimeout:
		// The late device reply, if any, is filtered by id correlation.
		d.fault(errcode.BusyTimeout, errcode.SevError)
		d.respondTo(d.requester, d.op, d.reg, d.buf, d.reqID, errcode.BusyTimeout)
		return ao.TransitionTo(d.idle)
	}
	return ao.Bubble()
}

// forwardDown sends the pending request to the device driver, correlated by
// the client's original request id.
func (d *Driver) forwardDown() {
	sig := types.SigRead
	if d.op == types.OpWrite {
		sig = types.SigWrite
	}
	posted := d.cfg.Device.Post(ao.Event{Sig: sig, Payload: types.RWRequest{
		Reg:       d.reg,
		Buf:       d.buf,
		Requester: d.AO,
		ReqID:     d.reqID,
	}})
	if !posted {
		d.Logf(1, "device queue full, request waits for watchdog")
	}
}

// ---- Replies and reports ----

func (d *Driver) respondTo(to ao.Inbox, op types.OpKind, reg uint8, buf []byte, reqID uint32, code errcode.Code) {
	if to == nil {
		d.Logf(1, "requester vanished, dropping %s reply", op)
		return
	}
	if !to.Post(ao.Event{Sig: types.SigResponse, Payload: types.Response{
		Op: op, Reg: reg, Buf: buf, ReqID: reqID, Err: code,
	}}) {
		d.Logf(1, "requester %s queue full, reply dropped", to.Name())
	}
}

func (d *Driver) replyStatus(e ao.Event) {
	p, ok := ao.As[types.StatusRequest](e.Payload)
	if !ok || p.Requester == nil {
		return
	}
	p.Requester.Post(ao.Event{Sig: types.SigStatusReply, Payload: types.StatusReply{
		Status:    d.pub.Current(),
		LastError: d.lastErr,
		Stats:     d.stats,
		ReqID:     p.ReqID,
	}})
}

func (d *Driver) fault(code errcode.Code, sev errcode.Severity) {
	drvcore.PublishError(d.Conn(), types.GenericError{
		Code: code, AO: d.Name(), Severity: sev, Subsys: "api",
	})
}

// tick closes one idle or busy interval on the accumulators.
func (d *Driver) tick(wasBusy bool) {
	now := time.Now().UnixNano()
	if wasBusy {
		d.stats.BusyNs += now - d.edgeNs
	} else {
		d.stats.IdleNs += now - d.edgeNs
	}
	d.edgeNs = now
}

func opOf(sig ao.Signal) types.OpKind {
	if sig == types.SigWrite {
		return types.OpWrite
	}
	return types.OpRead
}

// Low-level device driver active object. Owns the I2C transaction lifecycle
// for a single slave: one in-flight transaction at a time, strictly
// increasing transaction ids, lockup/busy watchdogs, bounded retries, and
// id-correlated replies to whoever asked.
package devdrv

import (
	"context"

	"drivercode-go/ao"
	"drivercode-go/bus"
	"drivercode-go/errcode"
	"drivercode-go/services/internal/drvcore"
	"drivercode-go/types"
	"drivercode-go/x/timex"
)

type Config struct {
	Name       string
	Bus        types.BusID
	SlaveAddr  uint16
	Controller ao.Inbox // I2C controller AO

	RegAddrMode types.RegAddrMode
	QueueLen    int
	BufLen      int
	LockupMs    int // per-operation watchdog
	InitMs      int // startup watchdog
	BusyMs      int // busy-superstate watchdog
	Retries     int
	DebugLevel  int
}

func (c *Config) applyDefaults() {
	if c.QueueLen <= 0 {
		c.QueueLen = DefaultQueueLen
	}
	if c.BufLen <= 0 {
		c.BufLen = DefaultBufLen
	}
	if c.LockupMs <= 0 {
		c.LockupMs = DefaultLockupMs
	}
	if c.InitMs <= 0 {
		c.InitMs = DefaultInitLockupMs
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
	reading  *ao.State
	writing  *ao.State

	// In-flight transaction context; mutated only from the run loop.
	txnID     uint32
	op        types.OpKind
	reg       uint8
	buf       []byte
	requester ao.Inbox
	reqID     uint32

	lastErr errcode.Code
	lastHAL uint32

	ctrlSub *bus.Subscription
}

func New(conn *bus.Connection, cfg Config) *Driver {
	cfg.applyDefaults()
	d := &Driver{
		cfg: cfg,
		AO:  ao.New(cfg.Name, conn, ao.Config{QueueLen: cfg.QueueLen, DebugLevel: cfg.DebugLevel}),
		pub: drvcore.NewStatusPublisher(conn, cfg.Name),
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
	d.reading = d.State("read", ao.StateSpec{Parent: d.busy, Entry: d.eRW, Exit: d.xRW, Handle: d.hRW})
	d.writing = d.State("write", ao.StateSpec{Parent: d.busy, Entry: d.eRW, Exit: d.xRW, Handle: d.hRW})
	d.SetTrace(func(format string, a ...any) { d.Logf(2, format, a...) })
	return d
}

// Start subscribes the control channel, enters Disabled, and spawns the run
// loop.
func (d *Driver) Start(ctx context.Context) {
	d.ctrlSub = d.Conn().Subscribe(drvcore.ControlWildcard(d.Name()))
	d.Forward(d.ctrlSub, func(m *bus.Message) (ao.Event, bool) {
		return drvcore.ControlEvent(d.Conn(), m)
	})
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

	case types.SigCommComplete, types.SigCommError:
		// A reply that reached a state with no transaction context is stale
		// by definition (the id it carries was dropped on Disable or Idle).
		d.warnMismatch(e)
		return ao.Handled()

	default:
		d.Logf(1, "dropping sig=%d in %s", e.Sig, d.Current().Name())
		return ao.Handled()
	}
}

// ---- Disabled ----

func (d *Driver) eDisabled() {
	d.pub.Announce(types.StatusDisabled, d.lastErr, d.lastHAL)
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
	d.Post(ao.Event{Sig: types.SigEnterIdle})
}

func (d *Driver) xStarting() { d.lockup.Disarm() }

func (d *Driver) hStarting(e ao.Event) ao.Disposition {
	switch e.Sig {
	case types.SigEnterIdle:
		return ao.TransitionTo(d.idle)
	case types.SigRetry:
		d.lockup.Arm(timex.Ms(d.cfg.InitMs))
		d.Post(ao.Event{Sig: types.SigEnterIdle})
		return ao.Handled()
	case types.SigLockupTimeout:
		if d.retry.Try(d.AO, types.SigRetry) {
			return ao.Handled()
		}
		d.lastErr = errcode.Timeout
		d.fault(errcode.Timeout, errcode.SevError, 0)
		return ao.TransitionTo(d.errSt)
	case types.SigEnable:
		return ao.Handled() // already on the way up
	}
	return ao.Bubble()
}

// ---- Error ----

func (d *Driver) eError() {
	d.pub.Announce(types.StatusFatalError, d.lastErr, d.lastHAL)
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
	d.pub.Announce(types.StatusEnabled, d.lastErr, d.lastHAL)
	drvcore.PublishReport(d.Conn(), d.Name(), types.ReportReady, errcode.OK)
	d.Post(ao.Event{Sig: types.SigEnterIdle})
}

func (d *Driver) hEnabled(e ao.Event) ao.Disposition {
	switch e.Sig {
	case types.SigEnable:
		// Idempotent, but repeat the ready report so a restarting upper
		// layer can re-synchronise.
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
	// Fresh-operation marker: ids restart at 1, retries cleared.
	d.txnID = 0
	d.retry.Reset()
	d.pub.Announce(types.StatusEnabled, d.lastErr, d.lastHAL)
}

func (d *Driver) hIdle(e ao.Event) ao.Disposition {
	switch e.Sig {
	case types.SigRead, types.SigWrite:
		p, ok := ao.As[types.RWRequest](e.Payload)
		if !ok {
			d.Logf(1, "malformed %s request", opOf(e.Sig))
			return ao.Handled()
		}
		if len(p.Buf) == 0 || len(p.Buf) > d.cfg.BufLen {
			d.respondTo(p.Requester, opOf(e.Sig), p.Reg, p.Buf, p.ReqID, errcode.InvalidPayload)
			return ao.Handled()
		}
		d.op = opOf(e.Sig)
		d.reg = p.Reg
		d.buf = p.Buf
		d.requester = p.Requester
		d.reqID = p.ReqID
		if e.Sig == types.SigWrite {
			return ao.TransitionTo(d.writing)
		}
		return ao.TransitionTo(d.reading)
	case types.SigEnterIdle:
		return ao.Handled() // already here
	}
	return ao.Bubble()
}

// ---- Busy superstate ----

func (d *Driver) eBusy() { d.busyWd.Arm(timex.Ms(d.cfg.BusyMs)) }
func (d *Driver) xBusy() { d.busyWd.Disarm() }

func (d *Driver) hBusy(e ao.Event) ao.Disposition {
	switch e.Sig {
	case types.SigRead, types.SigWrite:
		// The API layer defers while we are busy; a request landing here is a
		// protocol violation and gets an immediate Busy reply.
		if p, ok := ao.As[types.RWRequest](e.Payload); ok {
			d.respondTo(p.Requester, opOf(e.Sig), p.Reg, p.Buf, p.ReqID, errcode.Busy)
		}
		d.Logf(1, "busy: rejected %s", opOf(e.Sig))
		return ao.Handled()

	case types.SigBusyTimeout:
		if d.retry.Try(d.AO, types.SigRetry) {
			d.busyWd.Arm(timex.Ms(d.cfg.BusyMs))
			return ao.Handled()
		}
		d.fault(errcode.I2CTimeout, errcode.SevError, 0)
		d.respond(errcode.I2CTimeout)
		return ao.TransitionTo(d.idle)
	}
	return ao.Bubble()
}

// ---- Read / Write leaves ----

func (d *Driver) eRW() {
	d.lockup.Arm(timex.Ms(d.cfg.LockupMs))
	d.Post(ao.Event{Sig: types.SigStartRW})
}

func (d *Driver) xRW() { d.lockup.Disarm() }

func (d *Driver) hRW(e ao.Event) ao.Disposition {
	switch e.Sig {
	case types.SigStartRW:
		d.dispatchTxn()
		return ao.Handled()

	case types.SigRetry:
		d.lockup.Arm(timex.Ms(d.cfg.LockupMs))
		d.dispatchTxn()
		return ao.Handled()

	case types.SigCommComplete:
		cc, ok := ao.As[types.CommComplete](e.Payload)
		if !ok || cc.ID != d.txnID {
			d.warnMismatch(e)
			return ao.Handled()
		}
		d.lockup.Disarm()
		d.respond(errcode.OK)
		return ao.TransitionTo(d.idle)

	case types.SigCommError:
		ce, ok := ao.As[types.CommError](e.Payload)
		if !ok || ce.ID != d.txnID {
			d.warnMismatch(e)
			return ao.Handled()
		}
		d.lastErr = errcode.I2CError
		if ce.Code != "" && ce.Code != errcode.OK {
			d.lastErr = ce.Code
		}
		d.lastHAL = ce.HALCode
		d.fault(d.lastErr, errcode.SevError, ce.HALCode)
		d.respond(errcode.I2CError)
		return ao.TransitionTo(d.errSt)

	case types.SigLockupTimeout:
		if d.retry.Try(d.AO, types.SigRetry) {
			return ao.Handled()
		}
		d.fault(errcode.I2CTimeout, errcode.SevError, 0)
		d.respond(errcode.I2CTimeout)
		return ao.TransitionTo(d.idle)
	}
	return ao.Bubble()
}

// dispatchTxn assigns the next transaction id and posts the I2C request.
// A saturated controller is left to the lockup watchdog.
func (d *Driver) dispatchTxn() {
	d.txnID++
	txn := types.Txn{
		Op:          d.op,
		RegAddrMode: d.cfg.RegAddrMode,
		RegAddr:     uint16(d.reg),
	}
	if d.op == types.OpWrite {
		txn.TxBuf = d.buf
	} else {
		txn.RxBuf = d.buf
	}
	posted := d.cfg.Controller.Post(ao.Event{Sig: types.SigCommRequest, Payload: types.CommRequest{
		BusID:     d.cfg.Bus,
		SlaveAddr: d.cfg.SlaveAddr,
		Txns:      []types.Txn{txn},
		Requester: d.AO,
		ID:        d.txnID,
	}})
	if !posted {
		d.Logf(1, "controller queue full, txn=%d waits for lockup", d.txnID)
	}
	d.Logf(2, "%s txn=%d reg=0x%x len=%d", d.op, d.txnID, d.reg, len(d.buf))
}

// ---- Replies and reports ----

func (d *Driver) respond(code errcode.Code) {
	d.respondTo(d.requester, d.op, d.reg, d.buf, d.reqID, code)
}

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
		LastHAL:   d.lastHAL,
		ReqID:     p.ReqID,
	}})
}

func (d *Driver) warnMismatch(e ao.Event) {
	var id uint32
	if cc, ok := ao.As[types.CommComplete](e.Payload); ok {
		id = cc.ID
	} else if ce, ok := ao.As[types.CommError](e.Payload); ok {
		id = ce.ID
	}
	d.Logf(1, "stale reply id=%d (current=%d)", id, d.txnID)
	drvcore.PublishError(d.Conn(), types.GenericError{
		Code: errcode.MismatchRespID, AO: d.Name(), Severity: errcode.SevWarning,
		Subsys: "i2c", Extra: id,
	})
}

func (d *Driver) fault(code errcode.Code, sev errcode.Severity, extra uint32) {
	drvcore.PublishError(d.Conn(), types.GenericError{
		Code: code, AO: d.Name(), Severity: sev, Subsys: "i2c", Extra: extra,
	})
}

func opOf(sig ao.Signal) types.OpKind {
	if sig == types.SigWrite {
		return types.OpWrite
	}
	return types.OpRead
}

// I2C controller active object. Owns every bus backend and serialises
// hardware access on a single goroutine; drivers talk to it exclusively
// through replyable CommRequest events.
package i2cctl

import (
	"context"
	"sync/atomic"

	"tinygo.org/x/drivers"

	"drivercode-go/ao"
	"drivercode-go/bus"
	"drivercode-go/errcode"
	"drivercode-go/services/internal/drvcore"
	"drivercode-go/types"
)

const defaultQueueLen = 10

// HAL codes reported in CommError when the backend does not supply one.
const (
	HALBusError   uint32 = 0x10
	HALUnknownBus uint32 = 0x11
)

// HALCoder lets a backend (or test fake) attach a platform error code.
type HALCoder interface{ HALCode() uint32 }

type Controller struct {
	name  string
	conn  *bus.Connection
	inbox chan ao.Event
	buses map[types.BusID]drivers.I2C
	done  chan struct{}
	alive atomic.Bool
}

func New(name string, conn *bus.Connection) *Controller {
	return &Controller{
		name:  name,
		conn:  conn,
		inbox: make(chan ao.Event, defaultQueueLen),
		buses: map[types.BusID]drivers.I2C{},
		done:  make(chan struct{}),
	}
}

// RegisterBus attaches a backend. Call before Start.
func (c *Controller) RegisterBus(id types.BusID, i2c drivers.I2C) {
	c.buses[id] = i2c
}

func (c *Controller) Name() string { return c.name }

// Post enqueues without blocking; a saturated controller sheds the event.
func (c *Controller) Post(e ao.Event) bool {
	if !c.alive.Load() {
		return false
	}
	select {
	case c.inbox <- e:
		return true
	default:
		return false
	}
}

func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) Start(ctx context.Context) {
	c.alive.Store(true)
	c.publishReadiness()
	go func() {
		defer close(c.done)
		defer c.alive.Store(false)
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-c.inbox:
				switch e.Sig {
				case types.SigCommRequest:
					if req, ok := ao.As[types.CommRequest](e.Payload); ok {
						c.serve(req)
					}
				case types.SigStop:
					return
				default:
					// unknown signals are dropped
				}
			}
		}
	}()
}

func (c *Controller) publishReadiness() {
	_, in := c.buses[types.BusInternal]
	_, ex := c.buses[types.BusExternal]
	r := types.NoneReady
	switch {
	case in && ex:
		r = types.BothReady
	case in:
		r = types.InternalOnlyReady
	case ex:
		r = types.ExternalOnlyReady
	}
	c.conn.Publish(c.conn.NewMessage(drvcore.I2CStatusTopic(), r, true))
}

// serve runs one combined transfer and posts the correlated reply. A nil or
// vanished requester is a silent drop; correlation ids make that safe.
func (c *Controller) serve(req types.CommRequest) {
	b, ok := c.buses[req.BusID]
	if !ok {
		c.reply(req, ao.Event{Sig: types.SigCommError, Payload: types.CommError{
			ID: req.ID, HALCode: HALUnknownBus, Code: errcode.UnknownBus,
		}})
		return
	}
	for i := range req.Txns {
		if err := transfer(b, req.SlaveAddr, &req.Txns[i]); err != nil {
			if req.Txns[i].NakExpected {
				continue
			}
			c.reply(req, ao.Event{Sig: types.SigCommError, Payload: types.CommError{
				ID: req.ID, HALCode: halCodeOf(err), Code: errcode.MapDriverErr(err),
			}})
			return
		}
	}
	c.reply(req, ao.Event{Sig: types.SigCommComplete, Payload: types.CommComplete{ID: req.ID}})
}

func (c *Controller) reply(req types.CommRequest, e ao.Event) {
	if req.Requester == nil {
		return
	}
	_ = req.Requester.Post(e)
}

// transfer issues one register-addressed read or write. The register pointer
// is prepended to the write phase, big-endian for 16-bit addressing.
func transfer(b drivers.I2C, addr uint16, t *types.Txn) error {
	var hdr [2]byte
	n := 1
	switch t.RegAddrMode {
	case types.RegAddr16:
		hdr[0] = byte(t.RegAddr >> 8)
		hdr[1] = byte(t.RegAddr)
		n = 2
	default:
		hdr[0] = byte(t.RegAddr)
	}
	if t.Op == types.OpWrite {
		w := make([]byte, 0, n+len(t.TxBuf))
		w = append(w, hdr[:n]...)
		w = append(w, t.TxBuf...)
		return b.Tx(addr, w, nil)
	}
	return b.Tx(addr, hdr[:n], t.RxBuf)
}

func halCodeOf(err error) uint32 {
	if hc, ok := err.(HALCoder); ok {
		return hc.HALCode()
	}
	return HALBusError
}

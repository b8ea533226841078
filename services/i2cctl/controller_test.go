package i2cctl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"drivercode-go/ao"
	"drivercode-go/bus"
	"drivercode-go/drivers/regfile"
	"drivercode-go/errcode"
	"drivercode-go/services/internal/drvcore"
	"drivercode-go/types"
)

type sink struct{ ch chan ao.Event }

func newSink() *sink { return &sink{ch: make(chan ao.Event, 16)} }
func (s *sink) Name() string { return "sink" }
func (s *sink) Post(e ao.Event) bool {
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *sink) next(t *testing.T) ao.Event {
	t.Helper()
	select {
	case e := <-s.ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for controller reply")
		return ao.Event{}
	}
}

type halErr struct{ code uint32 }

func (e halErr) Error() string   { return "hal error" }
func (e halErr) HALCode() uint32 { return e.code }

func startController(t *testing.T, slave *regfile.Device) *Controller {
	t.Helper()
	b := bus.NewBus(8)
	ctl := New("i2c0", b.NewConnection("i2c0"))
	ctl.RegisterBus(types.BusInternal, slave)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctl.Start(ctx)
	return ctl
}

func TestWriteThenRead(t *testing.T) {
	slave := regfile.New(0x48)
	ctl := startController(t, slave)
	rq := newSink()

	require.True(t, ctl.Post(ao.Event{Sig: types.SigCommRequest, Payload: types.CommRequest{
		BusID: types.BusInternal, SlaveAddr: 0x48, Requester: rq, ID: 7,
		Txns: []types.Txn{{Op: types.OpWrite, RegAddr: 0x20, TxBuf: []byte{0xAB, 0xCD}}},
	}}))
	e := rq.next(t)
	require.Equal(t, types.SigCommComplete, e.Sig)
	require.Equal(t, uint32(7), e.Payload.(types.CommComplete).ID)
	require.Equal(t, byte(0xAB), slave.Peek(0x20))
	require.Equal(t, byte(0xCD), slave.Peek(0x21))

	buf := make([]byte, 2)
	require.True(t, ctl.Post(ao.Event{Sig: types.SigCommRequest, Payload: types.CommRequest{
		BusID: types.BusInternal, SlaveAddr: 0x48, Requester: rq, ID: 8,
		Txns: []types.Txn{{Op: types.OpRead, RegAddr: 0x20, RxBuf: buf}},
	}}))
	e = rq.next(t)
	require.Equal(t, types.SigCommComplete, e.Sig)
	require.Equal(t, []byte{0xAB, 0xCD}, buf)
}

func TestUnknownBus(t *testing.T) {
	ctl := startController(t, regfile.New(0x48))
	rq := newSink()

	ctl.Post(ao.Event{Sig: types.SigCommRequest, Payload: types.CommRequest{
		BusID: types.BusExternal, SlaveAddr: 0x48, Requester: rq, ID: 1,
		Txns:  []types.Txn{{Op: types.OpRead, RxBuf: make([]byte, 1)}},
	}})
	e := rq.next(t)
	require.Equal(t, types.SigCommError, e.Sig)
	ce := e.Payload.(types.CommError)
	require.Equal(t, uint32(1), ce.ID)
	require.Equal(t, HALUnknownBus, ce.HALCode)
	require.Equal(t, errcode.UnknownBus, ce.Code)
}

func TestBackendErrorCarriesHALCode(t *testing.T) {
	slave := regfile.New(0x48)
	ctl := startController(t, slave)
	rq := newSink()

	slave.FailNext(halErr{code: 0x42})
	ctl.Post(ao.Event{Sig: types.SigCommRequest, Payload: types.CommRequest{
		BusID: types.BusInternal, SlaveAddr: 0x48, Requester: rq, ID: 3,
		Txns:  []types.Txn{{Op: types.OpRead, RxBuf: make([]byte, 1)}},
	}})
	e := rq.next(t)
	require.Equal(t, types.SigCommError, e.Sig)
	ce := e.Payload.(types.CommError)
	require.Equal(t, uint32(3), ce.ID)
	require.Equal(t, uint32(0x42), ce.HALCode)
}

func TestNakExpectedTolerated(t *testing.T) {
	ctl := startController(t, regfile.New(0x48))
	rq := newSink()

	// Probing an absent address with NakExpected still completes.
	ctl.Post(ao.Event{Sig: types.SigCommRequest, Payload: types.CommRequest{
		BusID: types.BusInternal, SlaveAddr: 0x50, Requester: rq, ID: 4,
		Txns:  []types.Txn{{Op: types.OpRead, RxBuf: make([]byte, 1), NakExpected: true}},
	}})
	e := rq.next(t)
	require.Equal(t, types.SigCommComplete, e.Sig)
}

func TestRegAddr16BigEndian(t *testing.T) {
	slave := regfile.New(0x48)
	ctl := startController(t, slave)
	rq := newSink()

	// The register file takes the first header byte as pointer; a 16-bit
	// address of 0x0020 must land the pointer on 0x00 (high byte first).
	ctl.Post(ao.Event{Sig: types.SigCommRequest, Payload: types.CommRequest{
		BusID: types.BusInternal, SlaveAddr: 0x48, Requester: rq, ID: 5,
		Txns: []types.Txn{{
			Op: types.OpWrite, RegAddrMode: types.RegAddr16, RegAddr: 0x0020,
			TxBuf: []byte{0x11},
		}},
	}})
	rq.next(t)
	// Header was [0x00 0x20]: pointer 0x00, then 0x20 and 0x11 stored.
	require.Equal(t, byte(0x20), slave.Peek(0x00))
	require.Equal(t, byte(0x11), slave.Peek(0x01))
}

func TestReadinessRetained(t *testing.T) {
	b := bus.NewBus(8)
	ctl := New("i2c0", b.NewConnection("i2c0"))
	ctl.RegisterBus(types.BusInternal, regfile.New(0x48))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctl.Start(ctx)

	sub := b.NewConnection("obs").Subscribe(drvcore.I2CStatusTopic())
	select {
	case m := <-sub.Channel():
		require.Equal(t, types.InternalOnlyReady, m.Payload.(types.BusReadiness))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for retained readiness")
	}
}

// Host bring-up for the driver pair: a simulated register-file slave behind
// the I2C controller, the device driver on top of that, the API driver on
// top again, and a bus client exercising the whole chain.
package main

import (
	"context"
	"time"

	"drivercode-go/bus"
	"drivercode-go/drivers/regfile"
	"drivercode-go/services/apidrv"
	"drivercode-go/services/devdrv"
	"drivercode-go/services/i2cctl"
	"drivercode-go/types"
	"drivercode-go/x/fmtx"
)

const slaveAddr = 0x48

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewBus(16)

	slave := regfile.New(slaveAddr)
	slave.Poke(0x10, 0xAB, 0xCD)

	ctl := i2cctl.New("i2c0", b.NewConnection("i2c0"))
	ctl.RegisterBus(types.BusInternal, slave)
	ctl.Start(ctx)

	dev := devdrv.New(b.NewConnection("tmpdev"), devdrv.Config{
		Name:       "tmpdev",
		Bus:        types.BusInternal,
		SlaveAddr:  slaveAddr,
		Controller: ctl,
	})
	dev.Start(ctx)

	api := apidrv.New(b.NewConnection("tmpapi"), apidrv.Config{
		Name:       "tmpapi",
		Device:     dev.AO,
		DeviceName: "tmpdev",
	})
	api.Start(ctx)

	conn := b.NewConnection("demo")
	statusSub := conn.Subscribe(bus.T("drv", "tmpapi", "status"))

	conn.Publish(conn.NewMessage(bus.T("drv", "tmpapi", "control", "enable"), nil, false))
	waitFor(statusSub, types.StatusEnabled)
	fmtx.Printf("api enabled\n")

	rctx, rcancel := context.WithTimeout(ctx, time.Second)
	defer rcancel()

	reply, err := conn.RequestWait(rctx, conn.NewMessage(
		bus.T("drv", "tmpapi", "control", "read"),
		types.ReadParams{Reg: 0x10, Len: 2}, false))
	if err != nil {
		fmtx.Printf("read failed: %v\n", err)
		return
	}
	resp := reply.Payload.(types.Response)
	fmtx.Printf("read reg=0x%x -> % x (err=%s)\n", resp.Reg, resp.Buf, resp.Err)

	wctx, wcancel := context.WithTimeout(ctx, time.Second)
	defer wcancel()
	reply, err = conn.RequestWait(wctx, conn.NewMessage(
		bus.T("drv", "tmpapi", "control", "write"),
		types.WriteParams{Reg: 0x20, Data: []byte{0x01, 0x02, 0x03}}, false))
	if err != nil {
		fmtx.Printf("write failed: %v\n", err)
		return
	}
	resp = reply.Payload.(types.Response)
	fmtx.Printf("write reg=0x%x err=%s, reg[0x20]=0x%x\n", resp.Reg, resp.Err, slave.Peek(0x20))

	conn.Publish(conn.NewMessage(bus.T("drv", "tmpapi", "control", "disable"), nil, false))
	waitFor(statusSub, types.StatusDisabled)
	fmtx.Printf("api disabled\n")
}

func waitFor(sub *bus.Subscription, want types.Status) {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-sub.Channel():
			if si, ok := m.Payload.(types.StatusInfo); ok && si.Status == want {
				return
			}
		case <-deadline:
			fmtx.Printf("timeout waiting for status %v\n", want)
			return
		}
	}
}

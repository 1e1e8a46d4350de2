package j2534_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-datalink/internal/can"
	"github.com/kstaniek/go-datalink/internal/isotp"
	"github.com/kstaniek/go-datalink/internal/j2534"
	"github.com/kstaniek/go-datalink/internal/j2534/j2534test"
	"github.com/kstaniek/go-datalink/internal/logging"
)

func openDevice(t *testing.T) (*j2534test.API, *j2534.Device) {
	t.Helper()
	api := j2534test.New()
	dev, err := j2534.OpenDevice(api, "", logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	return api, dev
}

func TestCANChannelConnectInstallsPassFilter(t *testing.T) {
	api, dev := openDevice(t)
	ch, err := dev.ConnectCAN(500000, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	conns, filters, _ := api.Snapshot()
	if len(conns) != 1 || conns[0].Protocol != j2534.ProtoCAN || conns[0].Baud != 500000 {
		t.Fatalf("unexpected connect %+v", conns)
	}
	if len(filters) != 1 || filters[0].Kind != j2534.PassFilter || !bytes.Equal(filters[0].Mask, []byte{0, 0, 0, 0}) {
		t.Fatalf("expected pass-all filter, got %+v", filters)
	}
}

func TestCANChannelSendEncodesID(t *testing.T) {
	api, dev := openDevice(t)
	ch, _ := dev.ConnectCAN(500000, nil)
	defer ch.Close()
	if err := ch.Send(can.MustMessage(0x7E0, 0x02, 0x01, 0x0C)); err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(can.MustMessage(0x18DB33F1, 0x01)); err != nil {
		t.Fatal(err)
	}
	_, _, written := api.Snapshot()
	if !bytes.Equal(written[0].Data, []byte{0, 0, 0x07, 0xE0, 0x02, 0x01, 0x0C}) || written[0].TxFlags != 0 {
		t.Fatalf("standard frame % X flags %x", written[0].Data, written[0].TxFlags)
	}
	if written[1].TxFlags&j2534.FlagCAN29BitID == 0 {
		t.Fatalf("extended frame missing 29-bit flag")
	}
}

func TestCANChannelStagesBatchedReads(t *testing.T) {
	api, dev := openDevice(t)
	ch, _ := dev.ConnectCAN(500000, nil)
	defer ch.Close()
	id := api.LastChannel()
	api.Inject(id, j2534test.CANFrame(0x100, 1))
	loop := j2534test.CANFrame(0x7E0, 9)
	loop.RxStatus = j2534.RxTxMsgType
	api.Inject(id, loop)
	api.Inject(id, j2534test.CANFrame(0x101, 2))
	api.Inject(id, j2534test.CANFrame(0x102, 3))
	for _, want := range []uint32{0x100, 0x101, 0x102} {
		m, ok, err := ch.Recv(50 * time.Millisecond)
		if err != nil || !ok {
			t.Fatalf("recv: ok=%v err=%v", ok, err)
		}
		if m.ID() != want {
			t.Fatalf("got id 0x%X want 0x%X", m.ID(), want)
		}
	}
	if _, ok, err := ch.Recv(10 * time.Millisecond); ok || err != nil {
		t.Fatalf("expected timeout, got ok=%v err=%v", ok, err)
	}
}

func TestCANChannelSendDuringPendingRecv(t *testing.T) {
	api, dev := openDevice(t)
	ch, _ := dev.ConnectCAN(500000, nil)
	defer ch.Close()
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		_, _, _ = ch.Recv(500 * time.Millisecond)
	}()
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	if err := ch.Send(can.MustMessage(0x7E0, 0x02, 0x01, 0x0C)); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Fatalf("send blocked %v behind a pending recv", d)
	}
	if _, _, written := api.Snapshot(); len(written) != 1 {
		t.Fatalf("expected one written frame, got %d", len(written))
	}
	<-recvDone
}

func TestCANChannelClearBuffer(t *testing.T) {
	api, dev := openDevice(t)
	ch, _ := dev.ConnectCAN(500000, nil)
	defer ch.Close()
	id := api.LastChannel()
	for i := 0; i < 5; i++ {
		api.Inject(id, j2534test.CANFrame(uint32(0x200+i)))
	}
	ch.ClearBuffer()
	if _, ok, _ := ch.Recv(5 * time.Millisecond); ok {
		t.Fatalf("frame survived ClearBuffer")
	}
}

func TestCANChannelCloseReleasesOnce(t *testing.T) {
	api, dev := openDevice(t)
	released := 0
	ch, _ := dev.ConnectCAN(500000, func() error { released++; return nil })
	_ = ch.Close()
	_ = ch.Close()
	if released != 1 {
		t.Fatalf("released %d times", released)
	}
	if _, _, _, disc := api.Counts(); disc != 1 {
		t.Fatalf("disconnects=%d", disc)
	}
	if err := ch.Send(can.MustMessage(1)); !errors.Is(err, can.ErrClosed) {
		t.Fatalf("expected can.ErrClosed, got %v", err)
	}
}

func TestISOTPChannelFlowControlFilter(t *testing.T) {
	api, dev := openDevice(t)
	tp, err := dev.ConnectISOTP(isotp.DefaultOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tp.Close()
	conns, filters, _ := api.Snapshot()
	if conns[0].Protocol != j2534.ProtoISO15765 || conns[0].Flags != 0 {
		t.Fatalf("unexpected connect %+v", conns[0])
	}
	f := filters[0]
	if f.Kind != j2534.FlowControlFilter ||
		!bytes.Equal(f.Pattern, []byte{0, 0, 0x07, 0xE8}) ||
		!bytes.Equal(f.Flow, []byte{0, 0, 0x07, 0xE0}) {
		t.Fatalf("unexpected filter %+v", f)
	}
}

func TestISOTPChannelRequest(t *testing.T) {
	api, dev := openDevice(t)
	api.OnWrite = func(ch uint32, m j2534.Msg) {
		done := m
		done.RxStatus = j2534.RxTxDone
		api.Inject(ch, done)
		api.Inject(ch, j2534test.ISOTPFrame(0x7E8, 0x49, 0x02, 0x01, 'V', 'I', 'N', '0', '1', '2', '3', '4'))
	}
	tp, _ := dev.ConnectISOTP(isotp.DefaultOptions(), nil)
	defer tp.Close()
	resp, err := tp.Request([]byte{0x09, 0x02})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp[3:]) != "VIN01234" {
		t.Fatalf("unexpected response % X", resp)
	}
	_, _, written := api.Snapshot()
	if !bytes.Equal(written[0].Data, []byte{0, 0, 0x07, 0xE0, 0x09, 0x02}) {
		t.Fatalf("request encoded as % X", written[0].Data)
	}
}

func TestISOTPChannelTimeout(t *testing.T) {
	_, dev := openDevice(t)
	o := isotp.DefaultOptions()
	o.Timeout = 10 * time.Millisecond
	tp, _ := dev.ConnectISOTP(o, nil)
	defer tp.Close()
	if _, err := tp.Recv(); !errors.Is(err, isotp.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestISOTPChannelSetOptionsReconnects(t *testing.T) {
	api, dev := openDevice(t)
	tp, _ := dev.ConnectISOTP(isotp.DefaultOptions(), nil)
	defer tp.Close()
	o := isotp.DefaultOptions()
	o.SourceID, o.DestID = 0x18DA10F1, 0x18DAF110
	if err := tp.SetOptions(o); err != nil {
		t.Fatal(err)
	}
	conns, filters, _ := api.Snapshot()
	if len(conns) != 2 || conns[1].Flags&j2534.FlagCAN29BitID == 0 {
		t.Fatalf("expected 29-bit reconnect, got %+v", conns)
	}
	if !bytes.Equal(filters[1].Pattern, []byte{0x18, 0xDA, 0xF1, 0x10}) {
		t.Fatalf("pattern % X", filters[1].Pattern)
	}
	// timeout-only change keeps the channel
	o.Timeout = time.Second
	_ = tp.SetOptions(o)
	if conns, _, _ := api.Snapshot(); len(conns) != 2 {
		t.Fatalf("timeout change reconnected")
	}
}

func TestProtocolsString(t *testing.T) {
	p := j2534.SupportsCAN | j2534.SupportsISO15765
	if p.String() != "CAN|ISO15765" || !p.Has(j2534.SupportsISO15765) || p.Has(j2534.SupportsJ1850VPW) {
		t.Fatalf("unexpected %s", p)
	}
	if j2534.Protocols(0).String() != "none" {
		t.Fatalf("empty set")
	}
}

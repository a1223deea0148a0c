package transport_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/Kexu1984/evaluation-system-v1/internal/transport"
)

// echoModel accepts one connection and echoes WRITE requests back as
// SUCCESS, and answers READ with whatever was last written — enough to
// exercise the round-trip property from spec §8 (S1/S5).
func echoModel(t *testing.T, ln net.Listener, interrupts <-chan transport.Message) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	var last [256]byte
	var lastLen uint32

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case irq, ok := <-interrupts:
				if !ok {
					return
				}
				frame := irq.Marshal()
				if _, err := conn.Write(frame[:]); err != nil {
					return
				}
			}
		}
	}()

	buf := make([]byte, 277)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		msg, err := transport.Unmarshal(buf)
		if err != nil {
			return
		}
		switch msg.Command {
		case transport.CmdWrite:
			last = msg.Data
			lastLen = msg.Length
			msg.Result = transport.ResultSuccess
		case transport.CmdRead:
			msg.Data = last
			msg.Length = lastLen
			msg.Result = transport.ResultSuccess
		}
		frame := msg.Marshal()
		if _, err := conn.Write(frame[:]); err != nil {
			return
		}
	}
}

func TestSendRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go echoModel(t, ln, nil)

	ep, err := transport.Dial(ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ep.Close()

	write := transport.Message{DeviceID: 1, Command: transport.CmdWrite, Address: 0x8, Length: 4}
	write.Data[0], write.Data[1], write.Data[2], write.Data[3] = 0xDD, 0xCC, 0xBB, 0xAA

	resp, err := ep.Send(write)
	if err != nil {
		t.Fatalf("send write: %v", err)
	}
	if resp.Result != transport.ResultSuccess {
		t.Fatalf("write result = %v, want success", resp.Result)
	}

	read := transport.Message{DeviceID: 1, Command: transport.CmdRead, Address: 0x8, Length: 4}
	resp, err = ep.Send(read)
	if err != nil {
		t.Fatalf("send read: %v", err)
	}
	for i := 0; i < 4; i++ {
		if resp.Data[i] != write.Data[i] {
			t.Fatalf("round trip byte %d = %#x, want %#x", i, resp.Data[i], write.Data[i])
		}
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go echoModel(t, ln, nil)

	ep, err := transport.Dial(ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ep.Close()

	_, err = ep.Send(transport.Message{Command: transport.CmdRead, Length: 4})
	if err != transport.ErrTransportLost {
		t.Fatalf("send after close: err = %v, want ErrTransportLost", err)
	}
}

func TestPushDeliversInterrupt(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	interrupts := make(chan transport.Message, 1)
	go echoModel(t, ln, interrupts)

	ep, err := transport.Dial(ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ep.Close()

	got := make(chan transport.Message, 1)
	ep.OnPush(func(m transport.Message) { got <- m })

	interrupts <- transport.Message{DeviceID: 8, Command: transport.CmdInterrupt, Address: 7}

	select {
	case m := <-got:
		if m.DeviceID != 8 || m.Address != 7 {
			t.Fatalf("interrupt = %+v, want device 8 irq 7", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pushed interrupt")
	}
}

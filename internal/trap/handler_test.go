package trap

import (
	"net"
	"testing"
	"time"

	"github.com/Kexu1984/evaluation-system-v1/internal/decoder"
	"github.com/Kexu1984/evaluation-system-v1/internal/registry"
	"github.com/Kexu1984/evaluation-system-v1/internal/transport"
)

// modelStub runs a single-request echo-style model on ln, answering the one
// request it reads with the given data/result, and returns the request it received
// over reqCh for assertions. It mirrors transport_test.go's echoModel.
func modelStub(t *testing.T, ln net.Listener, result transport.Result, replyData [8]byte) <-chan transport.Message {
	t.Helper()
	reqCh := make(chan transport.Message, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 277)
		if _, err := readFull(conn, buf); err != nil {
			return
		}
		req, err := transport.Unmarshal(buf)
		if err != nil {
			return
		}
		reqCh <- req

		resp := req
		resp.Result = result
		copy(resp.Data[:], replyData[:])
		frame := resp.Marshal()
		conn.Write(frame[:])
	}()
	return reqCh
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := conn.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func dialDevice(t *testing.T, id uint32, base, size uint64) (*registry.Device, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ep, err := transport.Dial(ln.Addr().String(), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return &registry.Device{ID: id, Base: base, Size: size, Transport: ep}, ln
}

func newFaultContext() *faultContext {
	return &faultContext{uc: &ucontext{}}
}

func TestTransactStoreSendsRegisterValue(t *testing.T) {
	dev, ln := dialDevice(t, 7, 0x40000000, 0x1000)
	reqCh := modelStub(t, ln, transport.ResultSuccess, [8]byte{})

	h := NewHandler(registry.New(), decoder.AMD64Decoder{}, nil)
	fctx := newFaultContext()
	fctx.uc.Mcontext.RAX = 0x11223344

	fault := decoder.Fault{Address: 0x40000010, Direction: decoder.Store, Width: 4, Reg: decoder.RAX}
	if err := h.transact(dev, 0x10, fault, fctx); err != nil {
		t.Fatalf("transact: %v", err)
	}

	req := <-reqCh
	if req.Command != transport.CmdWrite {
		t.Fatalf("command = %v, want CmdWrite", req.Command)
	}
	if req.Address != 0x10 {
		t.Fatalf("address = %#x, want 0x10", req.Address)
	}
	if req.Length != 4 {
		t.Fatalf("length = %d, want 4", req.Length)
	}
	got := uint32(req.Data[0]) | uint32(req.Data[1])<<8 | uint32(req.Data[2])<<16 | uint32(req.Data[3])<<24
	if got != 0x11223344 {
		t.Fatalf("payload = %#x, want 0x11223344", got)
	}
}

func TestTransactLoadWritesBackRegister(t *testing.T) {
	dev, ln := dialDevice(t, 9, 0x40000000, 0x1000)
	_ = modelStub(t, ln, transport.ResultSuccess, [8]byte{0x78, 0x56, 0x34, 0x12})

	h := NewHandler(registry.New(), decoder.AMD64Decoder{}, nil)
	fctx := newFaultContext()
	fctx.uc.Mcontext.RAX = 0xFFFFFFFFFFFFFFFF

	fault := decoder.Fault{Address: 0x40000020, Direction: decoder.Load, Width: 4, Reg: decoder.RAX}
	if err := h.transact(dev, 0x20, fault, fctx); err != nil {
		t.Fatalf("transact: %v", err)
	}

	if fctx.uc.Mcontext.RAX != 0x12345678 {
		t.Fatalf("rax = %#x, want 0x12345678 (zero-extended)", fctx.uc.Mcontext.RAX)
	}
}

func TestTransactPropagatesTransportFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ep, err := transport.Dial(ln.Addr().String(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ep.Close() // closed before any request: Send must fail immediately

	dev := &registry.Device{ID: 3, Base: 0x40000000, Size: 0x1000, Transport: ep}
	h := NewHandler(registry.New(), decoder.AMD64Decoder{}, nil)
	fctx := newFaultContext()

	fault := decoder.Fault{Address: 0x40000000, Direction: decoder.Load, Width: 4, Reg: decoder.RAX}
	if err := h.transact(dev, 0, fault, fctx); err == nil {
		t.Fatal("expected error from a closed transport")
	}
}

func TestFaultContextRegisterRoundTrip(t *testing.T) {
	fctx := newFaultContext()
	fctx.uc.Mcontext.RBX = 0xAABBCCDD
	if got := fctx.Read(decoder.RBX); got != 0xAABBCCDD {
		t.Fatalf("read rbx = %#x, want 0xaabbccdd", got)
	}

	fctx.uc.Mcontext.RCX = 0xFFFFFFFFFFFFFFFF
	fctx.WriteLoadResult(decoder.RCX, 1, 0x5A)
	if fctx.uc.Mcontext.RCX != 0xFFFFFFFFFFFFFF5A {
		t.Fatalf("rcx = %#x, want upper bytes preserved", fctx.uc.Mcontext.RCX)
	}
}

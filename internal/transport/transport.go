package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Errors returned by Endpoint operations, per spec §4.A/§7.
var (
	ErrTransportLost = errors.New("transport: lost")
	ErrTimeout       = errors.New("transport: timeout")
	ErrProtocol      = errors.New("transport: protocol error")
)

// DefaultSendTimeout is used when no deadline is supplied to Send, matching
// ICD3_SEND_TIMEOUT_MS's documented default of 2000ms (spec §6).
const DefaultSendTimeout = 2 * time.Second

// PushHandler receives unsolicited INTERRUPT frames. Exactly one sink may be
// registered per endpoint, per spec §4.A.
type PushHandler func(Message)

// Endpoint is a single bidirectional byte stream to one model process
// ("Transport endpoint" in spec §3). It owns the socket, the in-flight
// request slot, and the background inbound reader.
type Endpoint struct {
	conn net.Conn

	sendMu  sync.Mutex // held across send+recv to keep positional correlation valid
	timeout time.Duration

	pushMu sync.Mutex
	push   PushHandler

	pending   chan Message // single-slot rendezvous for the outstanding reply
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a new Endpoint to addr. addr is either a bare "host:port" (TCP)
// or a "unix:/path/to/socket" reference, matching ICD3_MODEL_ENDPOINT's
// documented shape (spec §6). This generalizes the teacher's single eager
// syscall.Open("/dev/kvm", ...) in virtual_machine.go into a per-endpoint
// dial; Dial connects immediately.
func Dial(addr string, timeout time.Duration) (*Endpoint, error) {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	network, address := "tcp", addr
	if rest, ok := strings.CutPrefix(addr, "unix:"); ok {
		network, address = "unix", rest
	}

	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s %s: %w", network, address, err)
	}

	e := &Endpoint{
		conn:    conn,
		timeout: timeout,
		pending: make(chan Message, 1),
		closed:  make(chan struct{}),
	}
	go e.readLoop()
	return e, nil
}

// OnPush registers the sink for unsolicited INTERRUPT messages.
func (e *Endpoint) OnPush(h PushHandler) {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	e.push = h
}

// Send performs one synchronous request/response round trip, per spec §4.A.
// Callers hold sendMu across the full round trip: correlation between
// request and reply is positional (one in-flight request per endpoint), so
// the lock is what makes that positional correlation valid under concurrent
// callers (spec §8 property 3).
func (e *Endpoint) Send(req Message) (Message, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	select {
	case <-e.closed:
		return Message{}, ErrTransportLost
	default:
	}

	frame := req.Marshal()
	e.conn.SetWriteDeadline(time.Now().Add(e.timeout))
	if _, err := e.conn.Write(frame[:]); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrTransportLost, err)
	}

	select {
	case resp := <-e.pending:
		return resp, nil
	case <-e.closed:
		return Message{}, ErrTransportLost
	case <-time.After(e.timeout):
		return Message{}, ErrTimeout
	}
}

// readLoop is the per-endpoint inbound reader (spec §5): it blocks on the
// socket, classifies each frame, and either dispatches it to the push sink
// (INTERRUPT) or hands it to the single outstanding Send call.
func (e *Endpoint) readLoop() {
	buf := make([]byte, wireSize)
	for {
		if _, err := io.ReadFull(e.conn, buf); err != nil {
			e.shutdown()
			return
		}
		msg, err := Unmarshal(buf)
		if err != nil {
			e.shutdown()
			return
		}

		if msg.Command == CmdInterrupt {
			e.pushMu.Lock()
			h := e.push
			e.pushMu.Unlock()
			if h != nil {
				h(msg)
			}
			continue
		}

		select {
		case e.pending <- msg:
		case <-e.closed:
			return
		}
	}
}

func (e *Endpoint) shutdown() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.conn.Close()
	})
}

// Close tears down the endpoint: it stops the inbound reader and closes the
// socket. Close first waits for any in-flight Send to complete or time out
// rather than killing it outright, per spec §5's deinit requirement.
func (e *Endpoint) Close() error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	e.shutdown()
	return nil
}

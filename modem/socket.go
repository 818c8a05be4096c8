package modem

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zerynth/lib-quectel-bg96/at"
)

const (
	// maxSockets is the number of connection slots the modem firmware
	// offers.
	maxSockets = 6
	// ringCap is the per-socket receive ring. Matches the MTU-sized
	// chunks the modem buffers internally.
	ringCap = 1500
	// maxTransfer caps a single QIRD/QISEND exchange.
	maxTransfer = 512
	// maxUnacked is the keepalive threshold: more unacknowledged bytes
	// than this and the link is declared dead.
	maxUnacked = 1500

	ProtoTCP = 6
	ProtoUDP = 17
)

const (
	connectTimeout  = 150 * time.Second
	sendTimeout     = 10 * time.Second
	closeTimeout    = 15 * time.Second
	recvProbePeriod = 30 * time.Second
)

// Socket states. The state is only ever written with atomics: the Loop
// goroutine flips it on URCs while clients hold the socket mutex, and
// the two must never wait on each other.
const (
	stateIdle int32 = iota
	stateConnected
	statePeerClosed
)

// Socket is one connection slot of the modem. All blocking operations
// take a context; the per-exchange AT timeouts still apply underneath.
//
// A Socket is safe for concurrent use, but operations on the same
// socket serialize on its mutex: a blocked Recv delays a concurrent
// Send on the same slot.
type Socket struct {
	m  *Modem
	id int

	// mu guards the ring and the lifecycle flags below
	mu       sync.Mutex
	acquired bool
	proto    int
	secure   bool
	bound    bool
	buf      [ringCap]byte
	head     int
	length   int

	state  atomic.Int32
	connCh chan int      // QIOPEN/QSSLOPEN result code
	rx     chan struct{} // data-available event, capacity 1
}

func newSocket(m *Modem, id int) *Socket {
	return &Socket{
		m:      m,
		id:     id,
		connCh: make(chan int, 1),
		rx:     make(chan struct{}, 1),
	}
}

// ID returns the modem-side connect ID of the socket.
func (s *Socket) ID() int { return s.id }

// sockByID maps a connect ID from a URC onto the socket table.
func (m *Modem) sockByID(id int) *Socket {
	if id < 0 || id >= maxSockets {
		return nil
	}
	return m.socks[id]
}

// NewSocket acquires a free connection slot for the given protocol
// (ProtoTCP or ProtoUDP). The slot is released by Close.
func (m *Modem) NewSocket(proto int) (*Socket, error) {
	if proto != ProtoTCP && proto != ProtoUDP {
		return nil, fmt.Errorf("%w: protocol %d", ErrUnsupported, proto)
	}
	if m.networkLost() {
		return nil, fmt.Errorf("%w: unregistered too long", ErrNetworkDown)
	}

	m.sockMu.Lock()
	defer m.sockMu.Unlock()
	for _, s := range m.socks {
		s.mu.Lock()
		if s.acquired {
			s.mu.Unlock()
			continue
		}
		s.acquired = true
		s.proto = proto
		s.secure = false
		s.bound = false
		s.head, s.length = 0, 0
		s.state.Store(stateIdle)
		s.drainSignals()
		s.mu.Unlock()
		return s, nil
	}
	return nil, ErrNoFreeSocket
}

func (s *Socket) drainSignals() {
	select {
	case <-s.connCh:
	default:
	}
	select {
	case <-s.rx:
	default:
	}
}

// signalRx marks the socket readable. Called from the Loop goroutine.
func (s *Socket) signalRx() {
	select {
	case s.rx <- struct{}{}:
	default:
	}
}

// remoteClosed marks the peer gone. Buffered data stays readable.
// Called from the Loop goroutine.
func (s *Socket) remoteClosed() {
	s.state.CompareAndSwap(stateConnected, statePeerClosed)
	s.signalRx()
}

// closeAllSockets drops every established connection, used when the
// packet service goes away underneath them.
func (m *Modem) closeAllSockets() {
	for _, s := range m.socks {
		s.remoteClosed()
	}
	m.signalSelect()
}

func (m *Modem) signalSelect() {
	select {
	case m.selectCh <- struct{}{}:
	default:
	}
}

// Connect opens the socket to host:port. host must be an IP address or
// a name the modem can resolve on its own; Resolve is available for
// explicit resolution. Blocks until the modem reports the connection
// result, up to the firmware connect budget.
func (s *Socket) Connect(ctx context.Context, host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return ErrSocketClosed
	}
	if s.state.Load() == stateConnected {
		return fmt.Errorf("%w: already connected", ErrUnsupported)
	}
	s.drainSignals()

	var err error
	if s.secure {
		err = s.m.execOK(ctx, 0, at.CmdQSSLOPEN, "=", 1, s.id, s.id, host, port, 0)
	} else {
		service := "TCP"
		if s.proto == ProtoUDP {
			service = "UDP"
		}
		err = s.m.execOK(ctx, 0, at.CmdQIOPEN, "=", 1, s.id, service, host, port, 0, 0)
	}
	if err != nil {
		return fmt.Errorf("open socket %d: %w", s.id, err)
	}
	return s.waitOpen(ctx)
}

// Bind puts a UDP socket in service mode listening on port.
func (s *Socket) Bind(ctx context.Context, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return ErrSocketClosed
	}
	if s.proto != ProtoUDP || s.secure {
		return fmt.Errorf("%w: bind needs a plain UDP socket", ErrUnsupported)
	}
	s.drainSignals()

	err := s.m.execOK(ctx, 0, at.CmdQIOPEN, "=", 1, s.id, "UDP SERVICE", "127.0.0.1", 0, port, 0)
	if err != nil {
		return fmt.Errorf("bind socket %d: %w", s.id, err)
	}
	if err := s.waitOpen(ctx); err != nil {
		return err
	}
	s.bound = true
	return nil
}

// waitOpen blocks for the +QIOPEN/+QSSLOPEN URC carrying the
// connection result.
func (s *Socket) waitOpen(ctx context.Context) error {
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()

	select {
	case rc := <-s.connCh:
		if rc != 0 {
			s.abortOpen(ctx)
			return fmt.Errorf("%w: rc %d", ErrConnectionRefused, rc)
		}
		s.state.Store(stateConnected)
		return nil
	case <-timer.C:
		s.abortOpen(ctx)
		return fmt.Errorf("%w: no connection result", ErrConnectionRefused)
	case <-ctx.Done():
		s.abortOpen(ctx)
		return ctx.Err()
	}
}

// abortOpen closes the firmware side of a failed open so the slot can
// be reused. Runs without the result URC having arrived, errors are
// not actionable.
func (s *Socket) abortOpen(ctx context.Context) {
	id := at.CmdQICLOSE
	if s.secure {
		id = at.CmdQSSLCLOSE
	}
	if err := s.m.execOK(context.WithoutCancel(ctx), closeTimeout, id, "=", s.id, 10); err != nil {
		s.m.log.Warn("abort open failed", "socket", s.id, "err", err)
	}
}

// Send writes p to a connected socket. Returns the number of bytes the
// modem accepted; a short count without an error means the modem send
// buffer is full and the caller should back off and retry.
func (s *Socket) Send(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return 0, ErrSocketClosed
	}
	if s.state.Load() != stateConnected {
		return 0, ErrConnectionReset
	}
	if s.m.networkLost() {
		return 0, fmt.Errorf("%w: unregistered too long", ErrNetworkDown)
	}

	sent := 0
	for sent < len(p) {
		n := min(maxTransfer, len(p)-sent)
		ok, err := s.m.sockSend(ctx, s, p[sent:sent+n], "", 0)
		if err != nil {
			return sent, err
		}
		if !ok {
			return sent, nil
		}
		sent += n
		s.m.counters.bytesOut.Add(int64(n))
	}
	return sent, nil
}

// SendTo sends a datagram to host:port through a bound UDP socket.
func (s *Socket) SendTo(ctx context.Context, host string, port int, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return 0, ErrSocketClosed
	}
	if s.proto != ProtoUDP || !s.bound {
		return 0, fmt.Errorf("%w: sendto needs a bound UDP socket", ErrUnsupported)
	}
	if s.m.networkLost() {
		return 0, fmt.Errorf("%w: unregistered too long", ErrNetworkDown)
	}
	if len(p) > maxTransfer {
		p = p[:maxTransfer] // datagrams are not split
	}

	ok, err := s.m.sockSend(ctx, s, p, host, port)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	s.m.counters.bytesOut.Add(int64(len(p)))
	return len(p), nil
}

// sockSend pushes one chunk through QISEND/QSSLSEND. The false return
// is the modem reporting SEND FAIL, meaning its buffer is full. A slot
// error marks the socket closed, later operations fail promptly.
func (m *Modem) sockSend(ctx context.Context, s *Socket, p []byte, host string, port int) (bool, error) {
	id := at.CmdQISEND
	if s.secure {
		id = at.CmdQSSLSEND
	}
	var req *commandRequest
	if host != "" {
		req = newCommand(id, "=", s.id, len(p), host, port)
	} else {
		req = newCommand(id, "=", s.id, len(p))
	}
	req.payload = p

	lines, _, err := m.exec(ctx, req, sendTimeout)
	if err != nil {
		s.remoteClosed()
		return false, fmt.Errorf("send on socket %d: %w", s.id, err)
	}
	final := ""
	if len(lines) > 0 {
		final = lines[len(lines)-1]
	}
	switch final {
	case at.SendOK:
		return true, nil
	case at.SendFail:
		return false, nil
	default:
		s.remoteClosed()
		return false, fmt.Errorf("send on socket %d: unexpected reply %q", s.id, final)
	}
}

// Recv reads up to len(p) bytes from the socket, blocking until data
// arrives, the peer closes (io.EOF once drained) or ctx expires. While
// blocked it probes the link every probe period and fails with
// ErrConnectionReset when the modem stops acknowledging traffic.
func (s *Socket) Recv(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return 0, ErrSocketClosed
	}

	for {
		if s.length > 0 {
			n := s.pop(p)
			s.m.counters.bytesIn.Add(int64(n))
			return n, nil
		}
		if s.state.Load() == stateIdle {
			return 0, ErrConnectionReset
		}

		// the modem may hand back more than asked, the ring absorbs
		// the difference
		free := ringCap - s.length
		ask := min(maxTransfer, len(p)+free)
		data, err := s.m.sockRead(ctx, s, ask)
		if err != nil {
			return 0, err
		}
		if len(data) > 0 {
			n := copy(p, data)
			s.push(data[n:])
			s.m.counters.bytesIn.Add(int64(n))
			return n, nil
		}

		if s.state.Load() == statePeerClosed {
			return 0, io.EOF
		}
		if err := s.waitRx(ctx); err != nil {
			return 0, err
		}
	}
}

// RecvFrom reads one datagram from a bound UDP socket, returning the
// sender address. Oversized datagrams are truncated to len(p).
func (s *Socket) RecvFrom(ctx context.Context, p []byte) (int, string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return 0, "", 0, ErrSocketClosed
	}
	if s.proto != ProtoUDP {
		return 0, "", 0, fmt.Errorf("%w: recvfrom needs a UDP socket", ErrUnsupported)
	}

	for {
		if s.state.Load() == stateIdle {
			return 0, "", 0, ErrConnectionReset
		}

		// datagram reads bypass the ring, a datagram is delivered
		// whole or not at all
		s.head, s.length = 0, 0
		data, ip, port, err := s.m.sockReadFrom(ctx, s)
		if err != nil {
			return 0, "", 0, err
		}
		if len(data) > 0 {
			n := copy(p, data)
			s.m.counters.bytesIn.Add(int64(n))
			return n, ip, port, nil
		}

		if s.state.Load() == statePeerClosed {
			return 0, "", 0, io.EOF
		}
		if err := s.waitRx(ctx); err != nil {
			return 0, "", 0, err
		}
	}
}

// waitRx blocks for the next data event, probing the link on every
// probe period.
func (s *Socket) waitRx(ctx context.Context) error {
	timer := time.NewTimer(recvProbePeriod)
	defer timer.Stop()
	for {
		select {
		case <-s.rx:
			return nil
		case <-timer.C:
			if s.state.Load() == statePeerClosed {
				return nil
			}
			if err := s.m.probeAlive(ctx, s); err != nil {
				return err
			}
			timer.Reset(recvProbePeriod)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sockRead pulls up to n buffered bytes off the modem.
func (m *Modem) sockRead(ctx context.Context, s *Socket, n int) ([]byte, error) {
	id := at.CmdQIRD
	if s.secure {
		id = at.CmdQSSLRECV
	}
	req := newCommand(id, "=", s.id, n)
	req.expect = 1
	req.binary = true
	_, data, err := m.exec(ctx, req, 0)
	if err != nil {
		return nil, fmt.Errorf("read socket %d: %w", s.id, err)
	}
	return data, nil
}

// sockReadFrom pulls one datagram and its sender off the modem.
func (m *Modem) sockReadFrom(ctx context.Context, s *Socket) ([]byte, string, int, error) {
	req := newCommand(at.CmdQIRD, "=", s.id, maxTransfer)
	req.expect = 1
	req.binary = true
	lines, data, err := m.exec(ctx, req, 0)
	if err != nil {
		return nil, "", 0, fmt.Errorf("read socket %d: %w", s.id, err)
	}

	ip, port := "", 0
	if len(lines) > 0 {
		sc := at.Scan(lines[0])
		sc.Skip(1) // length
		if sc.Remaining() >= 2 {
			ip = sc.String()
			port = sc.Int()
		}
	}
	return data, ip, port, nil
}

// probeAlive verifies a quiet connection is still there. TLS sessions
// have no probe, they are assumed alive. A dead link marks the socket
// closed.
func (m *Modem) probeAlive(ctx context.Context, s *Socket) error {
	if s.secure {
		return nil
	}
	if m.networkLost() {
		s.remoteClosed()
		return fmt.Errorf("%w: unregistered too long", ErrNetworkDown)
	}
	req := newCommand(at.CmdQISEND, "=", s.id, 0)
	req.expect = 1
	lines, _, err := m.exec(ctx, req, sendTimeout)
	if err != nil {
		return fmt.Errorf("probe socket %d: %w", s.id, err)
	}
	if len(lines) == 0 {
		return nil
	}
	return s.probeVerdict(lines[0])
}

// probeVerdict parses the (total, acked, unacked) triple of a zero
// length QISEND and declares the link dead past the unacked threshold.
func (s *Socket) probeVerdict(args string) error {
	sc := at.Scan(args)
	sc.Skip(2) // total, acked
	unacked := sc.Int()
	if sc.Err() == nil && unacked > maxUnacked {
		s.remoteClosed()
		return fmt.Errorf("%w: %d bytes unacknowledged", ErrConnectionReset, unacked)
	}
	return nil
}

// Available reports how many bytes Recv can return without blocking.
func (s *Socket) Available(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return 0, ErrSocketClosed
	}

	if s.secure {
		// no peek on TLS sockets, pull what fits into the ring
		if free := ringCap - s.length; free > 0 && s.state.Load() != stateIdle {
			data, err := s.m.sockRead(ctx, s, min(free, maxTransfer))
			if err != nil {
				return s.length, err
			}
			s.push(data)
		}
		return s.length, nil
	}

	req := newCommand(at.CmdQIRD, "=", s.id, 0)
	req.expect = 1
	lines, _, err := s.m.exec(ctx, req, 0)
	if err != nil {
		return s.length, fmt.Errorf("query socket %d: %w", s.id, err)
	}
	unread := 0
	if len(lines) > 0 {
		sc := at.Scan(lines[0])
		sc.Skip(2) // total, already read
		unread = sc.Int()
	}
	return s.length + unread, nil
}

// Close tears down the connection and releases the slot. Closing an
// already closed socket is a no-op.
func (s *Socket) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return nil
	}

	var err error
	if s.state.Load() != stateIdle || s.bound {
		id := at.CmdQICLOSE
		if s.secure {
			id = at.CmdQSSLCLOSE
		}
		err = s.m.execOK(ctx, closeTimeout, id, "=", s.id, 10)
	}

	s.acquired = false
	s.bound = false
	s.secure = false
	s.head, s.length = 0, 0
	s.state.Store(stateIdle)
	s.drainSignals()
	return err
}

// Select blocks until at least one of socks is readable (buffered data
// or a closed peer) and returns the ready subset. A nil return with no
// error means the timeout expired.
func (m *Modem) Select(ctx context.Context, socks []*Socket, timeout time.Duration) ([]*Socket, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		var ready []*Socket
		for _, s := range socks {
			s.mu.Lock()
			buffered := s.length > 0
			s.mu.Unlock()

			if buffered || s.state.Load() == statePeerClosed {
				ready = append(ready, s)
				continue
			}
			select {
			case <-s.rx:
				// keep the event for the Recv that follows
				s.signalRx()
				ready = append(ready, s)
			default:
			}
		}
		if len(ready) > 0 {
			return ready, nil
		}

		select {
		case <-m.selectCh:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ring buffer

func (s *Socket) push(p []byte) int {
	free := ringCap - s.length
	if len(p) > free {
		p = p[:free]
	}
	tail := (s.head + s.length) % ringCap
	n := copy(s.buf[tail:], p)
	copy(s.buf[:], p[n:])
	s.length += len(p)
	return len(p)
}

func (s *Socket) pop(p []byte) int {
	n := min(s.length, len(p))
	end := s.head + n
	if end <= ringCap {
		copy(p, s.buf[s.head:end])
	} else {
		k := copy(p, s.buf[s.head:])
		copy(p[k:], s.buf[:end-ringCap])
	}
	s.head = (s.head + n) % ringCap
	s.length -= n
	return n
}

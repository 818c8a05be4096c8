package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zerynth/lib-quectel-bg96/at"
)

const (
	// maxLineLen bounds a single response line. Longer lines indicate
	// binary garbage on the wire.
	maxLineLen = 1024
	// payloadChunk is the write granularity for prompt and CONNECT
	// payloads.
	payloadChunk = 64
)

// Modem drives a Quectel BG96 cellular modem over AT commands. It
// provides thread-safe access to sockets, SMS, DNS, GNSS and network
// operations through a centralized event loop that handles all
// transport I/O.
type Modem struct {
	// transport provides the physical connection to the modem (serial, TCP, etc.)
	transport Transport
	// config contains the modem configuration settings
	config Config
	// log is the component logger
	log *slog.Logger
	// closed indicates if the modem has been shut down
	closed bool
	// loopRunning indicates if the Loop is currently running
	loopRunning atomic.Bool

	// br is the sole buffered reader over the transport, shared by the
	// init sequence and the Loop so no buffered bytes are lost between
	// the two.
	br *bufio.Reader

	// urcChan receives raw Unsolicited Result Code lines
	urcChan chan string
	// commands queues AT command requests for the Loop to process
	commands chan *commandRequest
	// bypassData carries raw modem bytes while the line is bypassed
	bypassData chan []byte

	// socket table, see socket.go
	sockMu   sync.Mutex
	socks    [maxSockets]*Socket
	selectCh chan struct{}

	// network and registration state, see urc.go
	netMu sync.Mutex
	reg   registration

	// DNS resolution, single outstanding query, see network.go
	dnsMu sync.Mutex
	dnsCh chan dnsEvent

	// pendingSMS counts +CMTI notifications not yet consumed
	pendingSMS atomic.Int64

	counters counters
}

// commandRequest represents an AT command request to be executed by the Loop.
type commandRequest struct {
	// cmd is the descriptor of the command being sent, nil for bare
	// command strings
	cmd *at.Command
	// wire is the full command line without the trailing CR
	wire string
	// expect is the number of matching parameter lines to collect;
	// -1 collects every intermediate line verbatim
	expect int
	// payload is written to the transport when the modem opens the
	// "> " prompt or answers CONNECT
	payload []byte
	// trailer is appended after payload (Ctrl-Z for SMS bodies)
	trailer []byte
	// binary marks commands whose first parameter line announces a
	// length-prefixed binary chunk to read from the wire
	binary bool
	// bypass switches the loop in (1) and out (-1) of bypass mode
	bypass int
	// respChan receives the command response from the Loop
	respChan chan commandResponse
	// ctx provides timeout and cancellation control for the command
	ctx context.Context
}

// commandResponse contains the result of an AT command execution.
type commandResponse struct {
	// lines holds the collected parameter lines, argument portion only
	// unless expect was -1
	lines []string
	// data holds the binary chunk read for binary commands
	data []byte
	// err contains any error that occurred during command execution
	err error
}

// PollConfig defines configuration for polling operations like waiting for SIM readiness.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// Timeout is the maximum time to wait for the condition
	Timeout time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

// counters aggregates loop activity for metrics export.
type counters struct {
	commands atomic.Int64
	timeouts atomic.Int64
	urcs     atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	smsSent  atomic.Int64
}

// Stats is a point-in-time snapshot of the modem activity counters.
type Stats struct {
	Commands   int64
	Timeouts   int64
	URCs       int64
	BytesIn    int64
	BytesOut   int64
	SMSSent    int64
	SMSPending int64
}

// Stats returns a snapshot of the activity counters.
func (m *Modem) Stats() Stats {
	return Stats{
		Commands:   m.counters.commands.Load(),
		Timeouts:   m.counters.timeouts.Load(),
		URCs:       m.counters.urcs.Load(),
		BytesIn:    m.counters.bytesIn.Load(),
		BytesOut:   m.counters.bytesOut.Load(),
		SMSSent:    m.counters.smsSent.Load(),
		SMSPending: m.pendingSMS.Load(),
	}
}

// New creates a new Modem instance with the given configuration.
// It establishes the transport connection, initializes the modem
// hardware with the startup sequence (echo off, verbose errors, SIM
// unlock, SMS text mode, registration and packet event reporting) and
// prepares the event loop context.
//
// Returns an error if the transport connection or modem initialization
// fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	m := &Modem{
		transport:  transport,
		config:     config,
		log:        config.Logger.With("component", "modem"),
		urcChan:    make(chan string, 100), // Buffered to prevent blocking on URCs
		bypassData: make(chan []byte, 32),
		selectCh:   make(chan struct{}, 1),
		dnsCh:      make(chan dnsEvent, 16),
		// No queue for commands
		commands: make(chan *commandRequest),
	}
	if transport != nil {
		m.br = bufio.NewReaderSize(transport, 4096)
	}
	for i := range m.socks {
		m.socks[i] = newSocket(m, i)
	}
	// the modem boots unregistered, the network-loss grace period
	// runs from here
	m.reg.unregSince = time.Now()

	initCtx := ctx
	if config.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.InitTimeout)
		defer cancel()
	}

	if err := m.init(initCtx); err != nil {
		if m.transport != nil {
			transport.Close()
		}
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return m, nil
}

// init performs the initial setup sequence for the modem hardware.
// This method is called during New() and must complete successfully
// before the modem can be used.
func (m *Modem) init(ctx context.Context) error {
	// 1. Wake-up / sanity check
	if err := m.expectOkDirect(ctx, "AT"); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	if err := m.expectOkDirect(ctx, "ATE0"); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}

	if err := m.expectOkDirect(ctx, "AT+CMEE=2"); err != nil {
		return fmt.Errorf("could not enable verbose errors: %w", err)
	}

	// 2. Check SIM status
	simStatus, err := m.execDirect(ctx, "AT+CPIN?")
	if err != nil {
		return fmt.Errorf("query SIM status: %w", err)
	}

	switch {
	case strings.Contains(simStatus, "READY"):
		// OK

	case strings.Contains(simStatus, "SIM PIN"):
		if m.config.SimPIN == "" {
			return ErrSIMPinRequired
		}
		if err := m.expectOkDirect(ctx, fmt.Sprintf(`AT+CPIN="%s"`, m.config.SimPIN)); err != nil {
			return fmt.Errorf("enter SIM PIN: %w", err)
		}
		if err := m.waitForSIMReady(ctx, PollConfig{}); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported SIM state: %q", simStatus)
	}

	// 3. SMS text mode and event reporting
	for _, cmd := range []string{
		"AT+CMGF=1",
		"AT+CREG=2",
		"AT+CGREG=2",
		"AT+CEREG=2",
		"AT+CGEREP=2",
	} {
		if err := m.expectOkDirect(ctx, cmd); err != nil {
			return fmt.Errorf("configure %q: %w", cmd, err)
		}
	}

	return nil
}

// reader directives and events for the lockstep reader goroutine.
const (
	dirLine = iota
	dirBinary
)

const (
	evLine = iota
	evPrompt
	evData
	evErr
)

type readerDirective struct {
	kind int
	n    int
}

type readerEvent struct {
	kind int
	line string
	data []byte
	err  error
}

// readLine frames a single token off the transport: a CRLF terminated
// line (returned without the terminator) or the bare "> " prompt.
func (m *Modem) readLine() (line string, prompt bool, err error) {
	var buf []byte
	for {
		b, err := m.br.ReadByte()
		if err != nil {
			return "", false, err
		}
		buf = append(buf, b)
		n := len(buf)
		if n >= 2 && buf[n-2] == '\r' && buf[n-1] == '\n' {
			return string(buf[:n-2]), false, nil
		}
		// the prompt never carries a newline
		if n == 2 && buf[0] == '>' && buf[1] == ' ' {
			return "", true, nil
		}
		if n > maxLineLen {
			return "", false, ErrLineTooLong
		}
	}
}

// readEvents runs in its own goroutine and is the only reader of the
// transport while the Loop is active. It emits exactly one event, then
// blocks until the Loop answers with a directive telling it whether the
// next read is a line or an exact-length binary chunk. The lockstep
// keeps line framing and binary payloads from ever racing each other.
func (m *Modem) readEvents(ctx context.Context, events chan<- readerEvent, directives <-chan readerDirective) {
	d := readerDirective{kind: dirLine}
	for {
		var ev readerEvent
		switch d.kind {
		case dirBinary:
			buf := make([]byte, d.n)
			if _, err := io.ReadFull(m.br, buf); err != nil {
				ev = readerEvent{kind: evErr, err: err}
			} else {
				ev = readerEvent{kind: evData, data: buf}
			}
		default:
			line, prompt, err := m.readLine()
			switch {
			case err != nil:
				ev = readerEvent{kind: evErr, err: err}
			case prompt:
				ev = readerEvent{kind: evPrompt}
			default:
				ev = readerEvent{kind: evLine, line: line}
			}
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
		if ev.kind == evErr {
			return
		}
		select {
		case d = <-directives:
		case <-ctx.Done():
			return
		}
	}
}

// Loop is the main event loop that handles all transport I/O operations.
// It must be called exactly once after New() and before any other modem
// operations. The Loop coordinates all communication with the modem hardware:
//
// 1. Processes command requests from exec() calls
// 2. Writes AT commands, prompt payloads and upload bodies to the transport
// 3. Directs the reader between line framing and binary payload reads
// 4. Dispatches URCs (Unsolicited Result Codes) to the socket table,
// registration state and URC subscribers
// 5. Returns command responses to waiting exec() calls
//
// The Loop runs until the provided context is cancelled or the transport
// fails. It's the ONLY goroutine that reads from the transport, preventing
// race conditions and ensuring URCs are never lost.
func (m *Modem) Loop(ctx context.Context) error {
	if !m.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer m.loopRunning.Store(false)

	events := make(chan readerEvent)
	directives := make(chan readerDirective, 1)
	readerCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	go m.readEvents(readerCtx, events, directives)

	var (
		cur        *commandRequest
		lines      []string
		data       []byte
		headerSeen bool
		bypass     bool
	)

	complete := func(err error) {
		if cur == nil {
			return
		}
		cur.respChan <- commandResponse{lines: lines, data: data, err: err}
		cur, lines, data, headerSeen = nil, nil, nil, false
	}

	handleLine := func(line string) readerDirective {
		next := readerDirective{kind: dirLine}
		if line == "" {
			return next
		}
		switch at.Classify(line) {
		case at.TypeFinal:
			if cur == nil {
				m.log.Debug("orphaned final response", "line", line)
				return next
			}
			if line == at.OK {
				complete(nil)
			} else {
				complete(errors.New(line))
			}

		case at.TypeConnect:
			if cur != nil && cur.payload != nil {
				if err := m.writePayload(cur.payload, cur.trailer); err != nil {
					complete(fmt.Errorf("write upload payload: %w", err))
				}
				cur.payload = nil
			}

		case at.TypePrompt:
			// the prompt is framed as an event, not a line

		default:
			cmd := at.Lookup(line)
			switch {
			case cur != nil && cur.cmd != nil && cmd != nil && cmd.ID == cur.cmd.ID && cur.expect != 0:
				if cur.expect == -1 {
					// verbatim collection, headers and body lines mixed
					lines = append(lines, line)
					return next
				}
				args, _ := at.Args(line, cmd)
				lines = append(lines, args)
				if cur.binary && !headerSeen {
					headerSeen = true
					if n := firstInt(args); n > 0 {
						next = readerDirective{kind: dirBinary, n: n}
					}
				}

			case cmd != nil && cmd.URC:
				m.dispatchURC(cmd, line)

			case cur != nil:
				style := at.StyleOK
				if cur.cmd != nil {
					style = cur.cmd.Style
				}
				switch style {
				case at.StyleRaw:
					// SEND OK / SEND FAIL terminate the slot; lines
					// such as +QIND diagnostics do not
					if line[0] != '+' {
						lines = append(lines, line)
						complete(nil)
					}
				case at.StyleRawOK:
					if line[0] != '+' {
						lines = append(lines, line)
					}
				default:
					if cur.expect == -1 {
						lines = append(lines, line)
					}
				}
			}
		}
		return next
	}

	for {
		cmdCh := m.commands
		var curDone <-chan struct{}
		if cur != nil {
			cmdCh = nil
			curDone = cur.ctx.Done()
		}

		select {
		case <-ctx.Done():
			complete(ctx.Err())
			return ctx.Err()

		case req := <-cmdCh:
			switch {
			case req.bypass > 0:
				bypass = true
				req.respChan <- commandResponse{}
			case req.bypass < 0:
				bypass = false
				req.respChan <- commandResponse{}
			case bypass:
				req.respChan <- commandResponse{err: ErrNotRunning}
			default:
				cur = req
				lines, data, headerSeen = nil, nil, false
				m.counters.commands.Add(1)
				if err := m.writeWire(req.wire); err != nil {
					complete(fmt.Errorf("write command %q: %w", req.wire, err))
				}
			}

		case <-curDone:
			m.counters.timeouts.Add(1)
			complete(fmt.Errorf("command timeout: %w", cur.ctx.Err()))

		case ev := <-events:
			next := readerDirective{kind: dirLine}
			switch {
			case ev.kind == evErr:
				complete(fmt.Errorf("read error: %w", ev.err))
				if errors.Is(ev.err, io.EOF) {
					return io.EOF
				}
				return fmt.Errorf("scanner error: %w", ev.err)

			case bypass:
				m.forwardBypass(ev)

			case ev.kind == evData:
				data = ev.data

			case ev.kind == evPrompt:
				if cur != nil && cur.payload != nil {
					if err := m.writePayload(cur.payload, cur.trailer); err != nil {
						complete(fmt.Errorf("write prompt payload: %w", err))
					}
					cur.payload = nil
				} else {
					m.log.Warn("unexpected prompt on idle line")
				}

			default:
				next = handleLine(ev.line)
			}
			directives <- next
		}
	}
}

// forwardBypass re-serializes framed tokens and hands them to the
// Bypass reader.
func (m *Modem) forwardBypass(ev readerEvent) {
	var b []byte
	switch ev.kind {
	case evData:
		b = ev.data
	case evLine:
		b = append([]byte(ev.line), '\r', '\n')
	case evPrompt:
		b = []byte(at.Prompt)
	}
	select {
	case m.bypassData <- b:
	default:
		m.log.Warn("bypass reader too slow, dropping chunk", "bytes", len(b))
	}
}

// URC returns a read-only channel that receives raw Unsolicited Result
// Code lines. These are asynchronous notifications from the modem
// (incoming SMS, socket events, registration changes). The channel is
// buffered, but may drop some URC if not consumed fast enough.
func (m *Modem) URC() <-chan string {
	return m.urcChan
}

// Close shuts down the modem and releases all resources.
// It closes the transport connection, which terminates the Loop, and
// marks the modem as closed. After calling Close(), the modem cannot
// be reused.
func (m *Modem) Close() error {
	if m.closed {
		return ErrAlreadyClosed
	}
	m.closed = true

	if m.transport != nil {
		return m.transport.Close()
	}
	return nil
}

// exec sends an AT command to the modem and waits for the response.
// This method coordinates with the Loop() to ensure thread-safe command
// execution. The Loop() must be running before calling this method.
func (m *Modem) exec(ctx context.Context, req *commandRequest, timeout time.Duration) ([]string, []byte, error) {
	if m.closed {
		return nil, nil, ErrAlreadyClosed
	}
	if m.transport == nil {
		return nil, nil, ErrNotInitialized
	}

	if timeout <= 0 {
		timeout = m.config.ATTimeout
	}
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req.ctx = ctx
	req.respChan = make(chan commandResponse, 1) // Buffered to prevent blocking

	select {
	case m.commands <- req:
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("command cancelled before sending: %w", ctx.Err())
	}

	select {
	case resp := <-req.respChan:
		return resp.lines, resp.data, resp.err
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("command timeout: %w", ctx.Err())
	}
}

// newCommand builds a request for a table command. suffix is "", "?",
// "=?" or "=", args follow after "=".
func newCommand(id at.CmdID, suffix string, args ...any) *commandRequest {
	cmd := at.ByID(id)
	wire := make([]byte, 0, 64)
	wire = append(wire, "AT"...)
	wire = append(wire, cmd.Body...)
	wire = append(wire, suffix...)
	wire = at.AppendArgs(wire, args...)
	return &commandRequest{cmd: cmd, wire: string(wire)}
}

// execOK runs a command that answers with a bare OK.
func (m *Modem) execOK(ctx context.Context, timeout time.Duration, id at.CmdID, suffix string, args ...any) error {
	_, _, err := m.exec(ctx, newCommand(id, suffix, args...), timeout)
	return err
}

// execLines runs a command and returns the argument portion of the
// expected parameter lines.
func (m *Modem) execLines(ctx context.Context, timeout time.Duration, expect int, id at.CmdID, suffix string, args ...any) ([]string, error) {
	req := newCommand(id, suffix, args...)
	req.expect = expect
	lines, _, err := m.exec(ctx, req, timeout)
	return lines, err
}

// Bypass suspends AT processing and hands the modem line to fn. While
// fn runs, modem output is delivered through the supplied io.ReadWriter
// as CRLF framed lines and writes go straight to the transport, so
// line-oriented passthrough protocols such as raw NMEA work unchanged.
// AT commands issued concurrently fail with ErrNotRunning. The line
// should be idle when Bypass is entered. The Loop must be running.
func (m *Modem) Bypass(ctx context.Context, fn func(io.ReadWriter) error) error {
	if !m.loopRunning.Load() {
		return ErrNotRunning
	}

	if err := m.switchBypass(ctx, 1); err != nil {
		return err
	}
	fnErr := fn(&bypassRW{m: m, ctx: ctx})
	if err := m.switchBypass(ctx, -1); err != nil && fnErr == nil {
		fnErr = err
	}
	return fnErr
}

func (m *Modem) switchBypass(ctx context.Context, dir int) error {
	req := &commandRequest{bypass: dir, ctx: ctx, respChan: make(chan commandResponse, 1)}
	select {
	case m.commands <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case resp := <-req.respChan:
		return resp.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bypassRW is the raw line handed to Bypass callbacks.
type bypassRW struct {
	m   *Modem
	ctx context.Context
	rem []byte
}

func (b *bypassRW) Read(p []byte) (int, error) {
	if len(b.rem) > 0 {
		n := copy(p, b.rem)
		b.rem = b.rem[n:]
		return n, nil
	}
	select {
	case data := <-b.m.bypassData:
		n := copy(p, data)
		b.rem = data[n:]
		return n, nil
	case <-b.ctx.Done():
		return 0, b.ctx.Err()
	}
}

func (b *bypassRW) Write(p []byte) (int, error) {
	return b.m.transport.Write(p)
}

// writeWire sends a command line terminated by CR.
func (m *Modem) writeWire(wire string) error {
	buf := make([]byte, 0, len(wire)+1)
	buf = append(buf, wire...)
	buf = append(buf, '\r')
	_, err := m.transport.Write(buf)
	return err
}

// writePayload streams a prompt or upload payload in small chunks so a
// slow UART never sees a single oversized write.
func (m *Modem) writePayload(payload, trailer []byte) error {
	buf := make([]byte, 0, len(payload)+len(trailer))
	buf = append(buf, payload...)
	buf = append(buf, trailer...)
	for off := 0; off < len(buf); off += payloadChunk {
		end := off + payloadChunk
		if end > len(buf) {
			end = len(buf)
		}
		if _, err := m.transport.Write(buf[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// firstInt parses the leading decimal integer of a parameter list.
func firstInt(args string) int {
	n := 0
	for i := 0; i < len(args) && args[i] >= '0' && args[i] <= '9'; i++ {
		n = n*10 + int(args[i]-'0')
	}
	return n
}

// execDirect executes an AT command directly on the transport without
// using the channel mechanism and handles the complete request-response
// cycle including timeout management. It is used during modem initialization
// when not yet accepting commands.
//
// WARNING: This method should only be used during initialization.
// Use exec() for normal operations.
func (m *Modem) execDirect(ctx context.Context, cmd string) (string, error) {
	if m.closed {
		return "", ErrAlreadyClosed
	}
	if m.transport == nil {
		return "", ErrNotInitialized
	}

	if _, ok := ctx.Deadline(); !ok && m.config.ATTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ATTimeout)
		defer cancel()
	}

	if err := m.writeWire(strings.TrimSpace(cmd)); err != nil {
		return "", fmt.Errorf("write command %q: %w", cmd, err)
	}

	var lines []string
	for {
		select {
		case <-ctx.Done():
			return strings.Join(lines, "\n"), ctx.Err()
		default:
		}

		line, prompt, err := m.readLine()
		if err != nil {
			return strings.Join(lines, "\n"), fmt.Errorf("read error: %w", err)
		}
		if prompt || line == "" {
			continue
		}

		switch at.Classify(line) {
		case at.TypeFinal:
			lines = append(lines, line)
			response := strings.Join(lines, "\n")
			if line == at.OK {
				return response, nil
			}
			return response, errors.New(line)

		default:
			lines = append(lines, line)
		}
	}
}

// expectOkDirect executes an AT command and validates that the response
// contains "OK". This is a convenience method for commands that should
// succeed with a simple OK response.
//
// Used during initialization for basic configuration commands.
func (m *Modem) expectOkDirect(ctx context.Context, cmd string) error {
	resp, err := m.execDirect(ctx, cmd)
	if err != nil {
		return err
	}
	if !strings.Contains(resp, at.OK) {
		return fmt.Errorf("unexpected response: %q", resp)
	}
	return nil
}

// waitForSIMReady polls the SIM card status until it reports ready state.
// This is necessary after entering a SIM PIN, as the SIM card needs time
// to authenticate and become operational. Uses configurable polling interval
// and retry limits to avoid infinite waiting.
func (m *Modem) waitForSIMReady(ctx context.Context, config PollConfig) error {
	var (
		pollInterval = config.Interval
		timeout      = config.Timeout
		maxRetries   = config.MaxRetries
	)

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = int(timeout / pollInterval)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("SIM not ready: %w", ctx.Err())
		case <-ticker.C:
			retries++
			if retries > maxRetries {
				return fmt.Errorf("SIM not ready after %d retries", maxRetries)
			}
			resp, err := m.execDirect(ctx, "AT+CPIN?")
			if err != nil {
				// Fail fast on critical errors
				if errors.Is(err, ErrAlreadyClosed) || errors.Is(err, ErrNotInitialized) {
					return fmt.Errorf("SIM status check failed: %w", err)
				}
				continue
			}
			if strings.Contains(resp, "READY") {
				return nil
			}
		}
	}
}

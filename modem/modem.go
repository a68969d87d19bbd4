package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/lorae5/at"
)

// Modem represents a LoRa-E5 class LoRaWAN module that communicates via AT
// commands. It correlates every command with exactly one outcome while
// dispatching the unsolicited join, downlink and confirmation events that
// share the same serial stream.
//
// All transport reads happen on the loop started by Loop or Start.
// Execute may be called from any goroutine; calls are served one at a time.
type Modem struct {
	// transport provides the physical connection to the module
	transport Transport
	// config contains the modem configuration settings
	config Config
	logger *slog.Logger

	// mu guards closed, pending and the token/abandoned fields of requests
	mu     sync.Mutex
	closed bool
	// pending is the transaction awaiting its outcome, nil when idle
	pending *commandRequest
	// seq hands out transaction tokens; only the loop increments it
	seq uint64
	// epoch is the token of the most recently issued command. Lines are
	// stamped with the epoch current when they were read, and only lines
	// carrying the pending token may resolve it.
	epoch atomic.Uint64

	started atomic.Bool
	// slot admits a single Execute at a time
	slot chan struct{}
	// commands hands requests to the loop
	commands chan *commandRequest
	// done is closed by Close
	done chan struct{}
	// exited is closed when the loop returns
	exited chan struct{}

	// reasm is owned by the loop goroutine
	reasm  reassembler
	events dispatcher
	stats  counters
}

// commandRequest is one transaction: the command, the acknowledgement that
// completes it and the single-slot channel its outcome is delivered on.
type commandRequest struct {
	cmd    string
	expect string
	// token identifies the transaction once the loop has issued it
	token uint64
	// abandoned is set when the caller gave up before the command was issued
	abandoned bool
	respChan  chan error
}

// line is a framed line tagged with the epoch it was read in. A line with
// err set stands for input the framer had to drop.
type line struct {
	text  string
	epoch uint64
	err   error
}

// New creates a new Modem instance with the given configuration and
// establishes the transport connection. The loop is not started; call
// Start or Loop before issuing commands.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	return &Modem{
		transport: transport,
		config:    config,
		logger:    config.Logger,
		slot:      make(chan struct{}, 1),
		commands:  make(chan *commandRequest),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}, nil
}

// Loop is the main event loop that handles all transport I/O operations.
// It may be called once per Modem, after New and before any command.
// The Loop:
//
//  1. Issues commands handed over by Execute, one at a time
//  2. Frames the transport stream into lines
//  3. Resolves the pending command on its acknowledgement or error
//  4. Reassembles downlinks and dispatches join, downlink and
//     confirmation events to the registered handlers
//
// The Loop runs until ctx is cancelled, Close is called or the transport
// fails. It's the ONLY goroutine that reads from the transport. Ending the
// loop ends the session: a pending command receives ErrSessionClosed.
//
// Usage:
//
//	m, err := New(ctx, config)
//	if err != nil { return err }
//
//	go m.Loop(ctx)
//
//	err = m.Execute(ctx, "AT+PORT=15", "+PORT: 15", 0)
func (m *Modem) Loop(ctx context.Context) error {
	if err := m.claimLoop(); err != nil {
		return err
	}
	return m.loop(ctx)
}

// Start runs Loop in a new goroutine. Close stops it.
func (m *Modem) Start(ctx context.Context) error {
	if err := m.claimLoop(); err != nil {
		return err
	}
	go func() {
		if err := m.loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("modem loop stopped", "error", err)
		}
	}()
	return nil
}

// Done returns a channel that is closed when the loop has returned.
func (m *Modem) Done() <-chan struct{} {
	return m.exited
}

func (m *Modem) claimLoop() error {
	if m.isClosed() {
		return ErrAlreadyClosed
	}
	if !m.started.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	return nil
}

func (m *Modem) loop(ctx context.Context) error {
	defer close(m.exited)

	lines := make(chan line, 16)
	readErr := make(chan error, 1)
	go m.read(lines, readErr)

	for {
		select {
		case <-ctx.Done():
			m.fail(ErrSessionClosed)
			return ctx.Err()

		case <-m.done:
			m.fail(ErrSessionClosed)
			return nil

		case req := <-m.commands:
			m.issue(req)

		case l, ok := <-lines:
			if !ok {
				// Reader stopped - the session is over
				var err error = io.EOF
				select {
				case err = <-readErr:
				default:
				}
				m.fail(fmt.Errorf("%w: %w", ErrSessionClosed, err))
				if m.isClosed() {
					return nil
				}
				return fmt.Errorf("read: %w", err)
			}
			m.handle(l)
		}
	}
}

// read frames the transport stream until it fails. The framer's partial
// line dies with the session.
func (m *Modem) read(lines chan<- line, readErr chan<- error) {
	defer close(lines)

	var framer at.Framer
	defer framer.Reset()
	overflows := 0

	buf := make([]byte, 512)
	for {
		n, err := m.transport.Read(buf)
		if n > 0 {
			epoch := m.epoch.Load()
			var out []line
			for _, text := range framer.Feed(buf[:n]) {
				out = append(out, line{text: text, epoch: epoch})
			}
			for ; overflows < framer.Overflows(); overflows++ {
				out = append(out, line{
					epoch: epoch,
					err:   fmt.Errorf("%w: more than %d bytes without CRLF", at.ErrLineTooLong, at.MaxLineLength),
				})
			}
			for _, l := range out {
				select {
				case lines <- l:
				case <-m.exited:
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr <- err
			}
			return
		}
	}
}

// issue makes req the pending transaction and writes its command. Any
// half-reassembled downlink is dropped first so its payload can't pair with
// metrics that belong to the new exchange.
func (m *Modem) issue(req *commandRequest) {
	m.mu.Lock()
	if req.abandoned {
		m.mu.Unlock()
		return
	}
	m.seq++
	req.token = m.seq
	m.pending = req
	m.epoch.Store(req.token)
	m.mu.Unlock()

	if f := m.reasm.reset(); f != nil {
		m.discard(f, "superseded by command "+req.cmd)
	}

	m.logger.Debug("sending command", "command", req.cmd, "token", req.token)
	if _, err := m.transport.Write([]byte(req.cmd + at.CRLF)); err != nil {
		m.resolve(req.token, fmt.Errorf("write command %q: %w", req.cmd, err))
	}
}

// handle classifies one line and routes it to exactly one consumer.
func (m *Modem) handle(l line) {
	if l.err != nil {
		m.stats.malformedLines.Add(1)
		m.logger.Warn("input dropped", "error", l.err)
		m.events.diagnose(Diagnostic{Kind: DiagnosticMalformedLine, Err: l.err})
		return
	}
	if l.text == "" {
		return
	}
	m.stats.lines.Add(1)

	resp := at.Classify(l.text, m.expected(l.epoch))

	switch resp.Type {
	case at.TypeJoin:
		m.stats.joins.Add(1)
		m.logger.Info("join completed", "joined", resp.Joined)
		m.events.joinCompleted(resp.Joined)

	case at.TypeSuccess:
		if !m.resolve(l.epoch, nil) {
			m.logger.Debug("acknowledgement arrived after timeout", "line", l.text)
		}

	case at.TypeError:
		if !m.resolve(l.epoch, resp.Err) {
			m.stats.orphanedErrors.Add(1)
			m.logger.Warn("modem error without pending command", "line", l.text, "code", resp.Err.Code.String())
			m.events.diagnose(Diagnostic{Kind: DiagnosticOrphanedError, Line: l.text, Err: resp.Err})
		}

	case at.TypeDownlinkPayload:
		if f := m.reasm.payload(resp.Port, resp.Payload, l.text); f != nil {
			m.discard(f, "superseded by payload")
		}

	case at.TypeDownlinkMetrics:
		dl, c := m.reasm.metrics(resp.RSSI, resp.SNR, resp.Confirmed)
		if dl != nil {
			m.stats.downlinks.Add(1)
			m.logger.Info("downlink received", "port", dl.Port, "rssi", dl.RSSI, "snr", dl.SNR, "payload", dl.Payload)
			m.events.downlinkReceived(*dl)
		}
		if c != nil {
			m.stats.confirmations.Add(1)
			m.logger.Info("uplink confirmed", "rssi", c.RSSI, "snr", c.SNR)
			m.events.sendConfirmed(*c)
		}
		if dl == nil && c == nil {
			m.logger.Debug("metrics without downlink", "line", l.text)
		}

	case at.TypeMalformed:
		m.stats.malformedLines.Add(1)
		m.logger.Warn("malformed downlink line", "line", l.text, "error", resp.Cause)
		m.events.diagnose(Diagnostic{Kind: DiagnosticMalformedLine, Line: l.text, Err: resp.Cause})

	default:
		m.logger.Debug("ignored line", "line", l.text)
	}
}

func (m *Modem) discard(f *fragment, reason string) {
	m.stats.discardedDownlinks.Add(1)
	m.logger.Warn("incomplete downlink discarded", "reason", reason, "port", f.port, "payload", f.payload)
	m.events.diagnose(Diagnostic{
		Kind: DiagnosticDiscardedDownlink,
		Line: f.line,
		Err:  errors.New(reason),
	})
}

// expected returns the acknowledgement a line read in epoch may match.
func (m *Modem) expected(epoch uint64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil && m.pending.token == epoch {
		return m.pending.expect
	}
	return ""
}

// resolve delivers the outcome to the pending transaction if its token
// matches. It reports whether a transaction was resolved.
func (m *Modem) resolve(token uint64, outcome error) bool {
	m.mu.Lock()
	req := m.pending
	if req == nil || req.token != token {
		m.mu.Unlock()
		return false
	}
	m.pending = nil
	m.mu.Unlock()

	req.respChan <- outcome
	return true
}

// fail resolves whatever is pending with err.
func (m *Modem) fail(err error) {
	m.mu.Lock()
	req := m.pending
	m.pending = nil
	m.mu.Unlock()

	if req != nil {
		req.respChan <- err
	}
}

// abandon withdraws req. Once it returns no line can resolve req and the
// loop won't issue it if it hasn't yet.
func (m *Modem) abandon(req *commandRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.abandoned = true
	if m.pending == req {
		m.pending = nil
	}
}

// Execute sends command and waits until the module answers with exactly
// expected (nil), reports a negative acknowledgement (*at.ModemError) or
// timeout elapses (ErrTimeout). A timeout <= 0 uses Config.CommandTimeout.
//
// Execute writes one line per call. Concurrent calls wait for their turn
// within their own timeout. When the session ends first the outcome is
// ErrSessionClosed.
func (m *Modem) Execute(ctx context.Context, command, expected string, timeout time.Duration) error {
	if strings.TrimSpace(command) == "" || expected == "" {
		return fmt.Errorf("%w: command and expected response are required", ErrInvalidArgument)
	}
	if strings.ContainsAny(command, "\r\n") {
		return fmt.Errorf("%w: command %q spans more than one line", ErrInvalidArgument, command)
	}
	if m.isClosed() {
		return ErrSessionClosed
	}
	if !m.started.Load() {
		return ErrLoopNotRunning
	}

	if timeout <= 0 {
		timeout = m.config.CommandTimeout
	}
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrTimeout)
	defer cancel()

	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", command, interrupted(ctx))
	case <-m.done:
		return ErrSessionClosed
	case <-m.exited:
		return ErrSessionClosed
	}
	defer func() { <-m.slot }()

	req := &commandRequest{
		cmd:      command,
		expect:   expected,
		respChan: make(chan error, 1),
	}

	select {
	case m.commands <- req:
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", command, interrupted(ctx))
	case <-m.done:
		return ErrSessionClosed
	case <-m.exited:
		return ErrSessionClosed
	}

	var outcome error
	select {
	case outcome = <-req.respChan:
	case <-ctx.Done():
		outcome = m.withdraw(req, interrupted(ctx))
	case <-m.done:
		outcome = m.withdraw(req, ErrSessionClosed)
	case <-m.exited:
		outcome = m.withdraw(req, ErrSessionClosed)
	}

	if outcome != nil {
		return fmt.Errorf("%s: %w", command, outcome)
	}
	return nil
}

// withdraw abandons req and returns the outcome it got in the meantime, or
// fallback.
func (m *Modem) withdraw(req *commandRequest, fallback error) error {
	m.abandon(req)
	select {
	case outcome := <-req.respChan:
		return outcome
	default:
		return fallback
	}
}

// interrupted maps the end of an Execute context to its outcome.
func interrupted(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, cause)
	}
	return cause
}

func (m *Modem) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close shuts down the modem and releases all resources.
// Commands that are pending or waiting receive ErrSessionClosed, the
// transport is closed and, if the loop is running, Close waits for it to
// return. After calling Close(), the modem cannot be reused.
//
// Close must not be called from an event handler.
func (m *Modem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)

	var err error
	if m.transport != nil {
		err = m.transport.Close()
	}

	if m.started.Load() {
		<-m.exited
	}
	return err
}

package modem

import (
	"sync"
	"sync/atomic"

	"i4.energy/across/lorae5/at"
)

// Downlink is a message delivered by the network, reassembled from the
// payload line and the metrics line that follows it.
type Downlink struct {
	Port int
	RSSI int
	SNR  float64
	// Payload is upper-case hex, two characters per byte.
	Payload string
}

// Bytes decodes the payload.
func (d Downlink) Bytes() ([]byte, error) {
	return at.DecodeHex(d.Payload)
}

// Confirmation reports the link quality of the acknowledgement to a
// confirmed uplink.
type Confirmation struct {
	RSSI int
	SNR  float64
}

type DiagnosticKind int

const (
	// DiagnosticMalformedLine: a downlink fragment could not be parsed, or
	// the link sent an overlong line that was dropped.
	DiagnosticMalformedLine DiagnosticKind = iota + 1
	// DiagnosticDiscardedDownlink: a payload fragment never got its metrics
	// line, because a new command started or another payload superseded it.
	DiagnosticDiscardedDownlink
	// DiagnosticOrphanedError: a negative acknowledgement arrived while no
	// matching command was pending.
	DiagnosticOrphanedError
)

func (k DiagnosticKind) String() string {
	switch k {
	case DiagnosticMalformedLine:
		return "malformed-line"
	case DiagnosticDiscardedDownlink:
		return "discarded-downlink"
	case DiagnosticOrphanedError:
		return "orphaned-error"
	default:
		return "unknown"
	}
}

// Diagnostic describes input the pipeline could not turn into an event.
// It never affects the processing of later lines.
type Diagnostic struct {
	Kind DiagnosticKind
	// Line is the offending line. For discarded downlinks it is the payload
	// line that was dropped.
	Line string
	Err  error
}

// Stats are counters over the lifetime of a session.
type Stats struct {
	Lines              uint64
	Joins              uint64
	Downlinks          uint64
	Confirmations      uint64
	MalformedLines     uint64
	DiscardedDownlinks uint64
	OrphanedErrors     uint64
}

type counters struct {
	lines              atomic.Uint64
	joins              atomic.Uint64
	downlinks          atomic.Uint64
	confirmations      atomic.Uint64
	malformedLines     atomic.Uint64
	discardedDownlinks atomic.Uint64
	orphanedErrors     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Lines:              c.lines.Load(),
		Joins:              c.joins.Load(),
		Downlinks:          c.downlinks.Load(),
		Confirmations:      c.confirmations.Load(),
		MalformedLines:     c.malformedLines.Load(),
		DiscardedDownlinks: c.discardedDownlinks.Load(),
		OrphanedErrors:     c.orphanedErrors.Load(),
	}
}

// dispatcher holds at most one handler per event kind. Handlers are called
// on the pipeline goroutine; an empty slot is a no-op.
type dispatcher struct {
	mu         sync.RWMutex
	join       func(joined bool)
	downlink   func(Downlink)
	confirm    func(Confirmation)
	diagnostic func(Diagnostic)
}

func (d *dispatcher) joinCompleted(joined bool) {
	d.mu.RLock()
	fn := d.join
	d.mu.RUnlock()
	if fn != nil {
		fn(joined)
	}
}

func (d *dispatcher) downlinkReceived(dl Downlink) {
	d.mu.RLock()
	fn := d.downlink
	d.mu.RUnlock()
	if fn != nil {
		fn(dl)
	}
}

func (d *dispatcher) sendConfirmed(c Confirmation) {
	d.mu.RLock()
	fn := d.confirm
	d.mu.RUnlock()
	if fn != nil {
		fn(c)
	}
}

func (d *dispatcher) diagnose(diag Diagnostic) {
	d.mu.RLock()
	fn := d.diagnostic
	d.mu.RUnlock()
	if fn != nil {
		fn(diag)
	}
}

// OnJoin registers the handler for join completion, replacing any previous
// one. A nil fn clears the slot.
//
// Handlers run on the loop goroutine and delay the processing of later
// lines; they must not call Execute or Close.
func (m *Modem) OnJoin(fn func(joined bool)) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	m.events.join = fn
}

// OnDownlink registers the handler for reassembled downlinks.
func (m *Modem) OnDownlink(fn func(Downlink)) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	m.events.downlink = fn
}

// OnConfirm registers the handler for confirmed-uplink acknowledgements.
func (m *Modem) OnConfirm(fn func(Confirmation)) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	m.events.confirm = fn
}

// OnDiagnostic registers the handler for malformed or discarded input.
func (m *Modem) OnDiagnostic(fn func(Diagnostic)) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	m.events.diagnostic = fn
}

// Stats returns a snapshot of the session counters.
func (m *Modem) Stats() Stats {
	return m.stats.snapshot()
}

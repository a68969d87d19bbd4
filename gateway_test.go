package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"i4.energy/across/lorae5/at"
	"i4.energy/across/lorae5/modem"
)

// fakeRadio records the commands a Gateway issues.
type fakeRadio struct {
	mu      sync.Mutex
	calls   []string
	portErr error
	sendErr error
	stats   modem.Stats
}

func (r *fakeRadio) SetPort(_ context.Context, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("port %d", port))
	return r.portErr
}

func (r *fakeRadio) SendHex(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "send "+at.EncodeHex(payload))
	return r.sendErr
}

func (r *fakeRadio) SendConfirmedHex(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "csend "+at.EncodeHex(payload))
	return r.sendErr
}

func (r *fakeRadio) Stats() modem.Stats {
	return r.stats
}

func (r *fakeRadio) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGatewayUplink(t *testing.T) {
	t.Run("Sets the port once", func(t *testing.T) {
		radio := &fakeRadio{}
		gw := NewGateway(radio, discardLogger())
		ctx := context.Background()

		for _, req := range []UplinkRequest{
			{Port: 8, Payload: "cafe"},
			{Port: 8, Payload: "01", Confirmed: true},
			{Port: 9, Payload: "02"},
		} {
			if err := gw.Uplink(ctx, req); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		want := []string{"port 8", "send CAFE", "csend 01", "port 9", "send 02"}
		if got := radio.Calls(); !slices.Equal(got, want) {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("Failed port change is retried", func(t *testing.T) {
		radio := &fakeRadio{portErr: &at.ModemError{Code: at.CodeBusy}}
		gw := NewGateway(radio, discardLogger())

		if err := gw.Uplink(context.Background(), UplinkRequest{Port: 8, Payload: "01"}); !errors.Is(err, at.CodeBusy) {
			t.Fatalf("expected CodeBusy, got: %v", err)
		}

		radio.portErr = nil
		if err := gw.Uplink(context.Background(), UplinkRequest{Port: 8, Payload: "01"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := []string{"port 8", "port 8", "send 01"}
		if got := radio.Calls(); !slices.Equal(got, want) {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("Invalid requests", func(t *testing.T) {
		tests := []struct {
			name string
			req  UplinkRequest
		}{
			{"port zero", UplinkRequest{Port: 0, Payload: "01"}},
			{"port too high", UplinkRequest{Port: 224, Payload: "01"}},
			{"empty payload", UplinkRequest{Port: 1, Payload: ""}},
			{"odd payload", UplinkRequest{Port: 1, Payload: "abc"}},
			{"non hex payload", UplinkRequest{Port: 1, Payload: "zz"}},
		}

		radio := &fakeRadio{}
		gw := NewGateway(radio, discardLogger())
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := gw.Uplink(context.Background(), tt.req)
				if !errors.Is(err, errInvalidUplink) {
					t.Errorf("expected errInvalidUplink, got: %v", err)
				}
			})
		}
		if got := radio.Calls(); len(got) != 0 {
			t.Errorf("expected no commands, got %q", got)
		}
	})
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid request", fmt.Errorf("%w: port", errInvalidUplink), http.StatusBadRequest},
		{"invalid argument", fmt.Errorf("%w: payload", modem.ErrInvalidArgument), http.StatusBadRequest},
		{"timeout", fmt.Errorf("AT+MSGHEX: %w", modem.ErrTimeout), http.StatusGatewayTimeout},
		{"modem error", fmt.Errorf("AT+MSGHEX: %w", &at.ModemError{Code: at.CodeNotJoined}), http.StatusBadGateway},
		{"session closed", modem.ErrSessionClosed, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusCode(tt.err); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

// fakeJoiner replays join outcomes. Each call first reports its deliveries
// on joined, which may belong to an earlier attempt, then returns its error.
type fakeJoiner struct {
	errs    []error
	deliver [][]bool
	joined  chan bool
	calls   int
}

func (j *fakeJoiner) Join(context.Context) error {
	i := j.calls
	j.calls++
	if i < len(j.deliver) {
		for _, ok := range j.deliver[i] {
			j.joined <- ok
		}
	}
	if i < len(j.errs) {
		return j.errs[i]
	}
	return nil
}

func TestJoin(t *testing.T) {
	const timeout = 50 * time.Millisecond
	busy := &at.ModemError{Code: at.CodeBusy}

	t.Run("First attempt succeeds", func(t *testing.T) {
		j := &fakeJoiner{deliver: [][]bool{{true}}, joined: make(chan bool, 1)}
		if err := join(context.Background(), j, j.joined, timeout, discardLogger()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if j.calls != 1 {
			t.Errorf("expected 1 attempt, got %d", j.calls)
		}
	})

	t.Run("Retries after failure", func(t *testing.T) {
		j := &fakeJoiner{deliver: [][]bool{{false}, {true}}, joined: make(chan bool, 1)}
		if err := join(context.Background(), j, j.joined, timeout, discardLogger()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if j.calls != 2 {
			t.Errorf("expected 2 attempts, got %d", j.calls)
		}
	})

	t.Run("Already joined", func(t *testing.T) {
		j := &fakeJoiner{errs: []error{&at.ModemError{Code: at.CodeAlreadyJoined}}, joined: make(chan bool, 1)}
		if err := join(context.Background(), j, j.joined, timeout, discardLogger()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("Late failure does not hide a later success", func(t *testing.T) {
		// The first attempt times out and its failure arrives during the
		// second, right before the second attempt's success.
		j := &fakeJoiner{
			errs:    []error{nil, nil, busy},
			deliver: [][]bool{nil, {false, true}},
			joined:  make(chan bool, 2),
		}
		if err := join(context.Background(), j, j.joined, timeout, discardLogger()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if j.calls != 2 {
			t.Errorf("expected 2 attempts, got %d", j.calls)
		}
		if len(j.joined) != 0 {
			t.Errorf("%d join results left unread", len(j.joined))
		}
	})

	t.Run("Busy waits for the join in progress", func(t *testing.T) {
		j := &fakeJoiner{
			errs:    []error{nil, busy},
			deliver: [][]bool{nil, {true}},
			joined:  make(chan bool, 1),
		}
		if err := join(context.Background(), j, j.joined, timeout, discardLogger()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if j.calls != 2 {
			t.Errorf("expected 2 attempts, got %d", j.calls)
		}
	})

	t.Run("Busy is not retried immediately", func(t *testing.T) {
		j := &fakeJoiner{errs: []error{busy, busy, busy}, joined: make(chan bool, 1)}

		start := time.Now()
		err := join(context.Background(), j, j.joined, timeout, discardLogger())
		if err == nil {
			t.Fatal("expected an error while the module stays busy")
		}
		if elapsed := time.Since(start); elapsed < joinAttempts*timeout {
			t.Errorf("attempts were not spaced out: %v for %d attempts", elapsed, joinAttempts)
		}
	})

	t.Run("Gives up", func(t *testing.T) {
		j := &fakeJoiner{joined: make(chan bool, 1)}
		if err := join(context.Background(), j, j.joined, timeout, discardLogger()); err == nil {
			t.Fatal("expected an error after every attempt timed out")
		}
		if j.calls != joinAttempts {
			t.Errorf("expected %d attempts, got %d", joinAttempts, j.calls)
		}
	})

	t.Run("Command error aborts", func(t *testing.T) {
		j := &fakeJoiner{errs: []error{modem.ErrTimeout}, joined: make(chan bool, 1)}
		if err := join(context.Background(), j, j.joined, timeout, discardLogger()); !errors.Is(err, modem.ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got: %v", err)
		}
	})

	t.Run("Context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		j := &fakeJoiner{joined: make(chan bool, 1)}
		if err := join(ctx, j, j.joined, time.Minute, discardLogger()); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got: %v", err)
		}
	})
}

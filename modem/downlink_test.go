package modem_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"i4.energy/across/lorae5/at"
	"i4.energy/across/lorae5/modem"
)

// recorder collects events from a modem.
type recorder struct {
	downlinks     chan modem.Downlink
	confirmations chan modem.Confirmation
	diagnostics   chan modem.Diagnostic
}

func record(m *modem.Modem) *recorder {
	r := &recorder{
		downlinks:     make(chan modem.Downlink, 8),
		confirmations: make(chan modem.Confirmation, 8),
		diagnostics:   make(chan modem.Diagnostic, 8),
	}
	m.OnDownlink(func(dl modem.Downlink) { r.downlinks <- dl })
	m.OnConfirm(func(c modem.Confirmation) { r.confirmations <- c })
	m.OnDiagnostic(func(d modem.Diagnostic) { r.diagnostics <- d })
	return r
}

func TestDownlink(t *testing.T) {
	t.Run("Payload and metrics form one downlink", func(t *testing.T) {
		m, transport := newTestModem(t)
		r := record(m)

		transport.SendData("+MSGHEX: PORT: 3; RX: \"AB12\"\r\n")
		transport.SendData("+MSGHEX: RXWIN1, RSSI -42, SNR 7.5\r\n")

		select {
		case dl := <-r.downlinks:
			want := modem.Downlink{Port: 3, RSSI: -42, SNR: 7.5, Payload: "AB12"}
			if dl != want {
				t.Errorf("got %+v, want %+v", dl, want)
			}
		case <-time.After(time.Second):
			t.Fatal("no downlink delivered")
		}

		waitFor(t, "both lines", func() bool { return m.Stats().Lines == 2 })
		if s := m.Stats(); s.Downlinks != 1 || s.Confirmations != 0 {
			t.Errorf("unexpected stats %+v", s)
		}
		select {
		case c := <-r.confirmations:
			t.Errorf("unexpected confirmation %+v", c)
		default:
		}
	})

	t.Run("Lower case payload is normalized", func(t *testing.T) {
		m, transport := newTestModem(t)
		r := record(m)

		transport.SendData("+MSGHEX: PORT: 10; RX: \"0aff\"\r\n+MSGHEX: RXWIN2, RSSI -101, SNR -3.0\r\n")

		select {
		case dl := <-r.downlinks:
			if dl.Payload != "0AFF" {
				t.Errorf("expected 0AFF, got %q", dl.Payload)
			}
			b, err := dl.Bytes()
			if err != nil {
				t.Fatalf("unexpected error from Bytes(): %v", err)
			}
			if len(b) != 2 || b[0] != 0x0A || b[1] != 0xFF {
				t.Errorf("unexpected bytes % X", b)
			}
		case <-time.After(time.Second):
			t.Fatal("no downlink delivered")
		}
	})

	t.Run("Confirmed metrics without payload", func(t *testing.T) {
		m, transport := newTestModem(t)
		r := record(m)

		transport.SendData("+CMSGHEX: RXWIN1, RSSI -50, SNR 5.0\r\n")

		select {
		case c := <-r.confirmations:
			if c != (modem.Confirmation{RSSI: -50, SNR: 5}) {
				t.Errorf("unexpected confirmation %+v", c)
			}
		case <-time.After(time.Second):
			t.Fatal("no confirmation delivered")
		}
		if got := m.Stats().Downlinks; got != 0 {
			t.Errorf("expected no downlinks, got %d", got)
		}
	})

	t.Run("Confirmed uplink carrying a downlink", func(t *testing.T) {
		m, transport := newTestModem(t)
		r := record(m)

		transport.SendData("+CMSGHEX: PORT: 2; RX: \"01\"\r\n+CMSGHEX: RXWIN1, RSSI -70, SNR 1.5\r\n")

		select {
		case dl := <-r.downlinks:
			if dl.Port != 2 || dl.Payload != "01" {
				t.Errorf("unexpected downlink %+v", dl)
			}
		case <-time.After(time.Second):
			t.Fatal("no downlink delivered")
		}
		select {
		case <-r.confirmations:
		case <-time.After(time.Second):
			t.Fatal("no confirmation delivered")
		}
	})

	t.Run("Uplink exchange delivers its downlink", func(t *testing.T) {
		m, transport := newTestModem(t)
		r := record(m)

		transport.Respond(replies(map[string]string{
			`AT+MSGHEX="CAFE"`: "+MSGHEX: Start\r\n" +
				"+MSGHEX: FPENDING\r\n" +
				"+MSGHEX: PORT: 3; RX: \"AB12\"\r\n" +
				"+MSGHEX: RXWIN1, RSSI -42, SNR 7.5\r\n" +
				"+MSGHEX: Done\r\n",
		}))

		if err := m.SendHex(context.Background(), []byte{0xCA, 0xFE}); err != nil {
			t.Fatalf("unexpected error from SendHex(): %v", err)
		}

		select {
		case dl := <-r.downlinks:
			if dl.Port != 3 || dl.Payload != "AB12" {
				t.Errorf("unexpected downlink %+v", dl)
			}
		case <-time.After(time.Second):
			t.Fatal("no downlink delivered")
		}
	})

	t.Run("New command discards pending payload", func(t *testing.T) {
		m, transport := newTestModem(t)
		r := record(m)

		transport.SendData("+MSGHEX: PORT: 3; RX: \"AB12\"\r\n")
		waitFor(t, "payload line", func() bool { return m.Stats().Lines == 1 })

		transport.Respond(replies(map[string]string{"AT": "+AT: OK\r\n"}))
		if err := m.Ping(context.Background()); err != nil {
			t.Fatalf("unexpected error from Ping(): %v", err)
		}

		transport.SendData("+MSGHEX: RXWIN1, RSSI -42, SNR 7.5\r\n")
		waitFor(t, "metrics line", func() bool { return m.Stats().Lines == 3 })

		select {
		case dl := <-r.downlinks:
			t.Errorf("stale payload paired with new metrics: %+v", dl)
		default:
		}

		select {
		case d := <-r.diagnostics:
			if d.Kind != modem.DiagnosticDiscardedDownlink {
				t.Errorf("expected discarded downlink, got %v", d.Kind)
			}
			if d.Line != "+MSGHEX: PORT: 3; RX: \"AB12\"" {
				t.Errorf("unexpected line %q", d.Line)
			}
		default:
			t.Error("no diagnostic for the discarded payload")
		}
		if got := m.Stats().DiscardedDownlinks; got != 1 {
			t.Errorf("expected 1 discarded downlink, got %d", got)
		}
	})

	t.Run("Malformed fragment is reported and skipped", func(t *testing.T) {
		m, transport := newTestModem(t)
		r := record(m)

		transport.SendData("+MSGHEX: RXWIN1, RSSI strong, SNR 7.5\r\n")
		transport.SendData("+MSGHEX: PORT: 4; RX: \"ABC\"\r\n")
		transport.SendData("+MSGHEX: PORT: 4; RX: \"ABCD\"\r\n+MSGHEX: RXWIN1, RSSI -42, SNR 7.5\r\n")

		for range 2 {
			select {
			case d := <-r.diagnostics:
				if d.Kind != modem.DiagnosticMalformedLine {
					t.Errorf("expected malformed line, got %v", d.Kind)
				}
			case <-time.After(time.Second):
				t.Fatal("no diagnostic for malformed line")
			}
		}

		select {
		case dl := <-r.downlinks:
			if dl.Payload != "ABCD" {
				t.Errorf("unexpected downlink %+v", dl)
			}
		case <-time.After(time.Second):
			t.Fatal("later lines were not processed")
		}
		if got := m.Stats().MalformedLines; got != 2 {
			t.Errorf("expected 2 malformed lines, got %d", got)
		}
	})

	t.Run("Odd length payload is malformed hex", func(t *testing.T) {
		m, transport := newTestModem(t)
		r := record(m)

		transport.SendData("+MSGHEX: PORT: 4; RX: \"ABC\"\r\n")

		select {
		case d := <-r.diagnostics:
			if !errors.Is(d.Err, at.ErrMalformedHex) {
				t.Errorf("expected ErrMalformedHex, got %v", d.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("no diagnostic")
		}
	})

	t.Run("Overlong input is reported and skipped", func(t *testing.T) {
		m, transport := newTestModem(t)
		r := record(m)

		transport.SendData(strings.Repeat("\x00", at.MaxLineLength+100))
		transport.SendData("\r\n+MSGHEX: PORT: 3; RX: \"AB12\"\r\n+MSGHEX: RXWIN1, RSSI -42, SNR 7.5\r\n")

		select {
		case d := <-r.diagnostics:
			if d.Kind != modem.DiagnosticMalformedLine || !errors.Is(d.Err, at.ErrLineTooLong) {
				t.Errorf("unexpected diagnostic %v: %v", d.Kind, d.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("no diagnostic for overlong input")
		}

		select {
		case dl := <-r.downlinks:
			if dl.Payload != "AB12" {
				t.Errorf("unexpected downlink %+v", dl)
			}
		case <-time.After(time.Second):
			t.Fatal("lines after the overlong input were not processed")
		}
		if got := m.Stats().MalformedLines; got != 1 {
			t.Errorf("expected 1 malformed line, got %d", got)
		}
	})

	t.Run("Events without handlers are dropped", func(t *testing.T) {
		m, transport := newTestModem(t)

		transport.SendData("+JOIN: Network joined\r\n+MSGHEX: PORT: 3; RX: \"AB12\"\r\n+MSGHEX: RXWIN1, RSSI -42, SNR 7.5\r\n")
		waitFor(t, "all lines", func() bool { return m.Stats().Lines == 3 })

		if s := m.Stats(); s.Joins != 1 || s.Downlinks != 1 {
			t.Errorf("unexpected stats %+v", s)
		}
	})
}

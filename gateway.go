package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"i4.energy/across/lorae5/at"
	"i4.energy/across/lorae5/modem"
)

var errInvalidUplink = errors.New("invalid uplink request")

// Radio is the part of the modem the gateway drives.
type Radio interface {
	SetPort(ctx context.Context, port int) error
	SendHex(ctx context.Context, payload []byte) error
	SendConfirmedHex(ctx context.Context, payload []byte) error
	Stats() modem.Stats
}

// UplinkRequest is the body of POST /uplink and of <topic>/uplink messages.
type UplinkRequest struct {
	Port int `json:"port"`
	// Payload is hex encoded, case insensitive
	Payload   string `json:"payload"`
	Confirmed bool   `json:"confirmed"`
}

// Gateway turns uplink requests into modem commands. Setting the port and
// sending are two commands, so requests are handled one at a time.
type Gateway struct {
	Logger *slog.Logger
	Radio  Radio

	mu sync.Mutex
	// port is the application port last set on the module, 0 if unknown
	port   int
	joined atomic.Bool
}

func NewGateway(radio Radio, logger *slog.Logger) *Gateway {
	return &Gateway{Logger: logger, Radio: radio}
}

// Uplink validates req and sends it.
func (g *Gateway) Uplink(ctx context.Context, req UplinkRequest) error {
	if req.Port < modem.MinPort || req.Port > modem.MaxPort {
		return fmt.Errorf("%w: port must be within %d..%d", errInvalidUplink, modem.MinPort, modem.MaxPort)
	}
	payload, err := at.DecodeHex(req.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidUplink, err)
	}
	if len(payload) == 0 || len(payload) > modem.MaxPayload {
		return fmt.Errorf("%w: payload must be 1..%d bytes", errInvalidUplink, modem.MaxPayload)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if req.Port != g.port {
		if err := g.Radio.SetPort(ctx, req.Port); err != nil {
			g.port = 0
			return err
		}
		g.port = req.Port
	}

	if req.Confirmed {
		err = g.Radio.SendConfirmedHex(ctx, payload)
	} else {
		err = g.Radio.SendHex(ctx, payload)
	}
	if err != nil {
		return err
	}

	g.Logger.Info("Uplink sent", "port", req.Port, "bytes", len(payload), "confirmed", req.Confirmed)
	return nil
}

// SetJoined records the latest join result.
func (g *Gateway) SetJoined(joined bool) {
	g.joined.Store(joined)
}

func (g *Gateway) Joined() bool {
	return g.joined.Load()
}

// statusCode maps an Uplink error to the HTTP status reported for it.
func statusCode(err error) int {
	var modemErr *at.ModemError
	switch {
	case errors.Is(err, errInvalidUplink), errors.Is(err, modem.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, modem.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, modem.ErrSessionClosed), errors.Is(err, modem.ErrLoopNotRunning):
		return http.StatusServiceUnavailable
	case errors.As(err, &modemErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

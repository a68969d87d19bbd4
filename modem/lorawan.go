package modem

import (
	"context"
	"fmt"
	"strings"

	"i4.energy/across/lorae5/at"
)

// Mode is the module's working mode.
type Mode string

const (
	ModeOTAA Mode = "LWOTAA"
	ModeABP  Mode = "LWABP"
	ModeTest Mode = "TEST"
)

// Class is the LoRaWAN device class.
type Class string

const (
	ClassA Class = "A"
	ClassB Class = "B"
	ClassC Class = "C"
)

// Region is a LoRaWAN regional band plan.
type Region string

const (
	RegionEU868 Region = "EU868"
	RegionUS915 Region = "US915"
	RegionAU915 Region = "AU915"
	RegionAS923 Region = "AS923"
	RegionKR920 Region = "KR920"
	RegionIN865 Region = "IN865"
	RegionCN470 Region = "CN470"
	RegionCN779 Region = "CN779"
	RegionEU433 Region = "EU433"
)

// Application ports usable for uplinks.
const (
	MinPort = 1
	MaxPort = 223
)

// MaxPayload is the largest uplink the module accepts in one AT+MSGHEX.
const MaxPayload = 242

// Ping checks that the module answers.
func (m *Modem) Ping(ctx context.Context) error {
	return m.Execute(ctx, at.CmdAt, "+AT: OK", 0)
}

// Reset restarts the module firmware.
func (m *Modem) Reset(ctx context.Context) error {
	return m.Execute(ctx, at.CmdReset, "+RESET: OK", 0)
}

func (m *Modem) SetMode(ctx context.Context, mode Mode) error {
	switch mode {
	case ModeOTAA, ModeABP, ModeTest:
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalidArgument, mode)
	}
	return m.Execute(ctx, "AT+MODE="+string(mode), "+MODE: "+string(mode), 0)
}

func (m *Modem) SetRegion(ctx context.Context, region Region) error {
	switch region {
	case RegionEU868, RegionUS915, RegionAU915, RegionAS923, RegionKR920,
		RegionIN865, RegionCN470, RegionCN779, RegionEU433:
	default:
		return fmt.Errorf("%w: region %q", ErrInvalidArgument, region)
	}
	return m.Execute(ctx, "AT+DR="+string(region), "+DR: "+string(region), 0)
}

func (m *Modem) SetClass(ctx context.Context, class Class) error {
	switch class {
	case ClassA, ClassB, ClassC:
	default:
		return fmt.Errorf("%w: class %q", ErrInvalidArgument, class)
	}
	return m.Execute(ctx, "AT+CLASS="+string(class), "+CLASS: "+string(class), 0)
}

// SetPort selects the application port of subsequent uplinks.
func (m *Modem) SetPort(ctx context.Context, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("%w: port %d outside %d..%d", ErrInvalidArgument, port, MinPort, MaxPort)
	}
	return m.Execute(ctx, fmt.Sprintf("AT+PORT=%d", port), fmt.Sprintf("+PORT: %d", port), 0)
}

func (m *Modem) SetDevEUI(ctx context.Context, eui string) error {
	return m.setID(ctx, "DevEui", eui, 16)
}

func (m *Modem) SetAppEUI(ctx context.Context, eui string) error {
	return m.setID(ctx, "AppEui", eui, 16)
}

func (m *Modem) SetDevAddr(ctx context.Context, addr string) error {
	return m.setID(ctx, "DevAddr", addr, 8)
}

func (m *Modem) SetAppKey(ctx context.Context, key string) error {
	return m.setKey(ctx, "APPKEY", key)
}

func (m *Modem) SetNwkSKey(ctx context.Context, key string) error {
	return m.setKey(ctx, "NWKSKEY", key)
}

func (m *Modem) SetAppSKey(ctx context.Context, key string) error {
	return m.setKey(ctx, "APPSKEY", key)
}

// setID writes an identifier. The module echoes it back as colon
// separated byte pairs: +ID: DevEui, 00:11:22:33:44:55:66:77.
func (m *Modem) setID(ctx context.Context, name, value string, digits int) error {
	value = strings.ToUpper(value)
	if !at.IsHex(value, digits) {
		return fmt.Errorf("%w: %s must be %d hex digits", ErrInvalidArgument, name, digits)
	}

	pairs := make([]string, 0, digits/2)
	for i := 0; i < digits; i += 2 {
		pairs = append(pairs, value[i:i+2])
	}
	return m.Execute(ctx,
		fmt.Sprintf(`AT+ID=%s,"%s"`, name, value),
		fmt.Sprintf("+ID: %s, %s", name, strings.Join(pairs, ":")),
		0)
}

func (m *Modem) setKey(ctx context.Context, name, key string) error {
	key = strings.ToUpper(key)
	if !at.IsHex(key, 32) {
		return fmt.Errorf("%w: %s must be 32 hex digits", ErrInvalidArgument, name)
	}
	return m.Execute(ctx,
		fmt.Sprintf(`AT+KEY=%s,"%s"`, name, key),
		fmt.Sprintf("+KEY: %s %s", name, key),
		0)
}

// Join starts a join attempt. It returns once the module has accepted the
// request; the result arrives later through the OnJoin handler.
func (m *Modem) Join(ctx context.Context) error {
	return m.Execute(ctx, at.CmdJoin, at.JoinStart, 0)
}

// SendHex sends an unconfirmed uplink on the current port. It returns once
// the module reports the exchange done; a downlink received in the
// receive windows is delivered through OnDownlink.
func (m *Modem) SendHex(ctx context.Context, payload []byte) error {
	if err := validatePayload(payload); err != nil {
		return err
	}
	return m.Execute(ctx, fmt.Sprintf(`AT+MSGHEX="%s"`, at.EncodeHex(payload)), at.MsgHexDone, m.config.SendTimeout)
}

// SendConfirmedHex sends a confirmed uplink. The acknowledgement's link
// quality is delivered through OnConfirm.
func (m *Modem) SendConfirmedHex(ctx context.Context, payload []byte) error {
	if err := validatePayload(payload); err != nil {
		return err
	}
	return m.Execute(ctx, fmt.Sprintf(`AT+CMSGHEX="%s"`, at.EncodeHex(payload)), at.CMsgHexDone, m.config.SendTimeout)
}

func validatePayload(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidArgument)
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidArgument, len(payload), MaxPayload)
	}
	return nil
}

// Profile is the LoRaWAN identity and radio settings applied by Provision.
// Empty fields are left as configured on the module.
type Profile struct {
	Mode   Mode
	Region Region
	Class  Class
	Port   int

	// OTAA
	DevEUI string
	AppEUI string
	AppKey string

	// ABP
	DevAddr string
	NwkSKey string
	AppSKey string
}

// Provision checks the module answers and applies p step by step. The
// first failing step aborts with an error naming it.
func (m *Modem) Provision(ctx context.Context, p Profile) error {
	if err := m.Ping(ctx); err != nil {
		return fmt.Errorf("module not responding: %w", err)
	}

	steps := []struct {
		name  string
		isSet bool
		apply func() error
	}{
		{"set mode", p.Mode != "", func() error { return m.SetMode(ctx, p.Mode) }},
		{"set region", p.Region != "", func() error { return m.SetRegion(ctx, p.Region) }},
		{"set class", p.Class != "", func() error { return m.SetClass(ctx, p.Class) }},
		{"set DevEUI", p.DevEUI != "", func() error { return m.SetDevEUI(ctx, p.DevEUI) }},
		{"set AppEUI", p.AppEUI != "", func() error { return m.SetAppEUI(ctx, p.AppEUI) }},
		{"set AppKey", p.AppKey != "", func() error { return m.SetAppKey(ctx, p.AppKey) }},
		{"set DevAddr", p.DevAddr != "", func() error { return m.SetDevAddr(ctx, p.DevAddr) }},
		{"set NwkSKey", p.NwkSKey != "", func() error { return m.SetNwkSKey(ctx, p.NwkSKey) }},
		{"set AppSKey", p.AppSKey != "", func() error { return m.SetAppSKey(ctx, p.AppSKey) }},
		{"set port", p.Port != 0, func() error { return m.SetPort(ctx, p.Port) }},
	}

	for _, s := range steps {
		if !s.isSet {
			continue
		}
		if err := s.apply(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

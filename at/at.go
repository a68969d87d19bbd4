// Package at holds the vocabulary of the LoRa-E5 AT command set: line
// framing, response classification, error codes and the hex payload codec.
package at

const (
	// Terminal Control
	CRLF = "\r\n"

	// Join URCs
	JoinStart  = "+JOIN: Start"
	JoinDone   = "+JOIN: Done"
	JoinOK     = "+JOIN: Network joined"
	JoinFailed = "+JOIN: Join failed"

	// Downlink fragments, plain and confirmed variants
	MsgHexPayload  = "+MSGHEX: PORT"
	CMsgHexPayload = "+CMSGHEX: PORT"
	MsgHexMetrics  = "+MSGHEX: RXWIN"
	CMsgHexMetrics = "+CMSGHEX: RXWIN"
	MsgHexDone     = "+MSGHEX: Done"
	CMsgHexDone    = "+CMSGHEX: Done"

	// Status phrases reported in place of an error code
	PhraseBusy          = "LoRaWAN modem is busy"
	PhraseWrongMode     = "Unavailable in current mode"
	PhraseNotJoined     = "Please join network first"
	PhraseAlreadyJoined = "Joined already"
	PhraseNoFreeChannel = "No free channel"

	// errorPrefix opens the " ERROR(-N)" suffix of a negative acknowledgement
	errorPrefix = " ERROR("
)

// Commands
const (
	CmdAt    = "AT"
	CmdReset = "AT+RESET"
	CmdJoin  = "AT+JOIN"
)

type ResponseType int

const (
	TypeIgnored         ResponseType = iota // Noise, echoes, progress URCs
	TypeJoin                                // Join attempt finished
	TypeSuccess                             // Pending command acknowledged
	TypeDownlinkPayload                     // +MSGHEX: PORT: 3; RX: "AB12"
	TypeDownlinkMetrics                     // +MSGHEX: RXWIN1, RSSI -42, SNR 7.5
	TypeError                               // Negative acknowledgement
	TypeMalformed                           // Downlink fragment that failed to parse
)

func (t ResponseType) String() string {
	switch t {
	case TypeIgnored:
		return "ignored"
	case TypeJoin:
		return "join"
	case TypeSuccess:
		return "success"
	case TypeDownlinkPayload:
		return "downlink-payload"
	case TypeDownlinkMetrics:
		return "downlink-metrics"
	case TypeError:
		return "error"
	case TypeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

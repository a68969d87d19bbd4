package at

import (
	"fmt"
	"strconv"
	"strings"
)

// Response is the classification of a single line. Only the fields that
// belong to Type are set.
type Response struct {
	Type ResponseType
	Line string

	// TypeJoin
	Joined bool

	// TypeDownlinkPayload
	Port    int
	Payload string

	// TypeDownlinkMetrics
	RSSI      int
	SNR       float64
	Confirmed bool

	// TypeError
	Err *ModemError

	// TypeMalformed
	Cause error
}

// statusPhrases are checked in order; the first phrase found wins.
var statusPhrases = []struct {
	phrase string
	code   ErrorCode
}{
	{PhraseBusy, CodeBusy},
	{PhraseWrongMode, CodeUnavailableInCurrentMode},
	{PhraseNotJoined, CodeNotJoined},
	{PhraseAlreadyJoined, CodeAlreadyJoined},
	{PhraseNoFreeChannel, CodeNoFreeChannel},
}

// Classify identifies the nature of one line of modem output. expected is
// the acknowledgement of the pending command, or "" when none is pending.
//
// A line carries a single concern. Join results win over everything else,
// then the pending acknowledgement, then downlink fragments and finally
// negative acknowledgements, which are recognized even when no command is
// pending.
func Classify(line, expected string) Response {
	switch {
	case strings.Contains(line, JoinOK):
		return Response{Type: TypeJoin, Line: line, Joined: true}
	case strings.Contains(line, JoinFailed):
		return Response{Type: TypeJoin, Line: line, Joined: false}
	case expected != "" && line == expected:
		return Response{Type: TypeSuccess, Line: line}
	case strings.HasPrefix(line, MsgHexPayload), strings.HasPrefix(line, CMsgHexPayload):
		return parsePayload(line)
	case strings.HasPrefix(line, MsgHexMetrics):
		return parseMetrics(line, false)
	case strings.HasPrefix(line, CMsgHexMetrics):
		return parseMetrics(line, true)
	}

	for _, sp := range statusPhrases {
		if strings.Contains(line, sp.phrase) {
			return Response{Type: TypeError, Line: line, Err: &ModemError{Code: sp.code, Line: line}}
		}
	}

	if e, ok := parseErrorSuffix(line); ok {
		return Response{Type: TypeError, Line: line, Err: e}
	}

	return Response{Type: TypeIgnored, Line: line}
}

// parsePayload reads `+MSGHEX: PORT: 3; RX: "AB12"`. Split on ':' and ';'
// the port is field 2 and the payload field 4.
func parsePayload(line string) Response {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ':' || r == ';'
	})
	if len(fields) < 5 {
		return malformed(line, fmt.Errorf("%w: %d fields in payload line", ErrMalformedLine, len(fields)))
	}

	port, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return malformed(line, fmt.Errorf("%w: port %q", ErrMalformedLine, fields[2]))
	}

	payload := strings.ToUpper(strings.Trim(fields[4], ` "`))
	if _, err := DecodeHex(payload); err != nil {
		return malformed(line, err)
	}

	return Response{Type: TypeDownlinkPayload, Line: line, Port: port, Payload: payload}
}

// parseMetrics reads `+MSGHEX: RXWIN1, RSSI -42, SNR 7.5`. Split on ':',
// ',' and ' ' the RSSI is field 3 and the SNR field 5.
func parseMetrics(line string, confirmed bool) Response {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ':' || r == ',' || r == ' '
	})
	if len(fields) < 6 {
		return malformed(line, fmt.Errorf("%w: %d fields in metrics line", ErrMalformedLine, len(fields)))
	}

	rssi, err := strconv.Atoi(fields[3])
	if err != nil {
		return malformed(line, fmt.Errorf("%w: rssi %q", ErrMalformedLine, fields[3]))
	}
	snr, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return malformed(line, fmt.Errorf("%w: snr %q", ErrMalformedLine, fields[5]))
	}

	return Response{Type: TypeDownlinkMetrics, Line: line, RSSI: rssi, SNR: snr, Confirmed: confirmed}
}

// parseErrorSuffix matches a line ending in " ERROR(-N)".
func parseErrorSuffix(line string) (*ModemError, bool) {
	if !strings.HasSuffix(line, ")") {
		return nil, false
	}
	i := strings.LastIndex(line, errorPrefix)
	if i < 0 {
		return nil, false
	}

	n, err := strconv.Atoi(line[i+len(errorPrefix) : len(line)-1])
	if err != nil {
		return &ModemError{Code: CodeUnrecognized, Line: line}, true
	}
	return &ModemError{Code: LookupCode(n), Raw: n, Line: line}, true
}

func malformed(line string, cause error) Response {
	return Response{Type: TypeMalformed, Line: line, Cause: cause}
}

package at

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedHex is returned when a payload is not an even-length
	// string of hexadecimal digits.
	ErrMalformedHex = errors.New("malformed hex payload")

	// ErrMalformedLine is returned when a downlink fragment doesn't have
	// the expected field layout.
	ErrMalformedLine = errors.New("malformed downlink line")

	// ErrLineTooLong is reported when the link delivers more than
	// MaxLineLength bytes without a line terminator.
	ErrLineTooLong = errors.New("line too long")
)

// ErrorCode is the closed set of negative acknowledgements the module
// reports, either as an " ERROR(-N)" suffix or as a status phrase.
//
// ErrorCode implements error so callers can test for a specific code with
// errors.Is(err, at.CodeNotJoined).
type ErrorCode int

const (
	CodeUnrecognized ErrorCode = iota
	CodeInvalidParameter
	CodeUnknownCommand
	CodeWrongFormat
	CodeUnavailableInCurrentMode
	CodeTooManyParameters
	CodeCommandTooLong
	CodeEndSymbolTimeout
	CodeInvalidCharacter
	CodeCommandError
	CodeNoFreeChannel
	CodeBusy
	CodeNotJoined
	CodeAlreadyJoined
)

// numericCodes maps the N of " ERROR(-N)" to its code.
var numericCodes = map[int]ErrorCode{
	-1:  CodeInvalidParameter,
	-10: CodeUnknownCommand,
	-11: CodeWrongFormat,
	-12: CodeUnavailableInCurrentMode,
	-20: CodeTooManyParameters,
	-21: CodeCommandTooLong,
	-22: CodeEndSymbolTimeout,
	-23: CodeInvalidCharacter,
	-24: CodeCommandError,
	-70: CodeNoFreeChannel,
}

// LookupCode returns the code for a numeric error value. Values outside the
// table map to CodeUnrecognized.
func LookupCode(n int) ErrorCode {
	if c, ok := numericCodes[n]; ok {
		return c
	}
	return CodeUnrecognized
}

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidParameter:
		return "invalid parameter"
	case CodeUnknownCommand:
		return "unknown command"
	case CodeWrongFormat:
		return "wrong command format"
	case CodeUnavailableInCurrentMode:
		return "command is unavailable in current mode"
	case CodeTooManyParameters:
		return "too many parameters"
	case CodeCommandTooLong:
		return "command too long"
	case CodeEndSymbolTimeout:
		return "end symbol timeout"
	case CodeInvalidCharacter:
		return "invalid character"
	case CodeCommandError:
		return "command error"
	case CodeNoFreeChannel:
		return "no free channel"
	case CodeBusy:
		return "modem busy"
	case CodeNotJoined:
		return "network not joined"
	case CodeAlreadyJoined:
		return "network already joined"
	default:
		return "unrecognized error"
	}
}

func (c ErrorCode) Error() string {
	return c.String()
}

// ModemError is a negative acknowledgement reported by the module.
type ModemError struct {
	Code ErrorCode
	// Raw is N from " ERROR(-N)", or 0 for status phrases and unparsable values.
	Raw int
	// Line is the response line as received.
	Line string
}

func (e *ModemError) Error() string {
	if e.Raw != 0 {
		return fmt.Sprintf("modem error %d: %s", e.Raw, e.Code)
	}
	return "modem error: " + e.Code.String()
}

// Is reports whether target is the ErrorCode carried by e.
func (e *ModemError) Is(target error) bool {
	c, ok := target.(ErrorCode)
	return ok && c == e.Code
}

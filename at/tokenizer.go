package at

import (
	"bufio"
	"bytes"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings. The LoRa-E5 never prompts for
// input, so unlike GSM modems there is no "> " token to recognize.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// MaxLineLength bounds a single line. The longest LoRa-E5 response is a few
// hundred bytes; anything past this is noise such as a baud rate mismatch.
const MaxLineLength = 4096

// Framer turns arbitrarily sized chunks read from the serial link into
// complete lines. Bytes following the last CRLF are kept until a later
// chunk terminates them.
//
// A line longer than MaxLineLength is dropped whole, including the rest of
// it up to the next CRLF, and counted in Overflows.
//
// A Framer is not safe for concurrent use; the modem's reader goroutine
// owns its instance.
type Framer struct {
	buf       []byte
	skipping  bool
	overflows int
}

// Feed appends p to the buffered partial line and returns every line
// completed by it, in arrival order and with the terminator stripped.
// Empty lines are returned as empty strings.
func (f *Framer) Feed(p []byte) []string {
	f.buf = append(f.buf, p...)

	var lines []string
	for {
		advance, token, _ := Splitter(f.buf, false)
		if advance == 0 {
			break
		}
		switch {
		case f.skipping:
			f.skipping = false
		case len(token) > MaxLineLength:
			f.overflows++
		default:
			lines = append(lines, string(token))
		}
		f.buf = f.buf[advance:]
	}

	if len(f.buf) > MaxLineLength {
		if !f.skipping {
			f.overflows++
			f.skipping = true
		}
		// Keep a trailing CR so a CRLF split across chunks still ends the line.
		if f.buf[len(f.buf)-1] == '\r' {
			f.buf = append(f.buf[:0], '\r')
		} else {
			f.buf = f.buf[:0]
		}
	}

	// Compact so a long session doesn't pin every chunk ever read.
	if len(f.buf) == 0 {
		f.buf = nil
	} else if cap(f.buf) > 4*len(f.buf) {
		f.buf = append([]byte(nil), f.buf...)
	}
	return lines
}

// Buffered returns the length of the pending partial line.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Overflows returns how many lines were dropped for exceeding MaxLineLength.
func (f *Framer) Overflows() int {
	return f.overflows
}

// Reset discards the pending partial line.
func (f *Framer) Reset() {
	f.buf = nil
	f.skipping = false
}

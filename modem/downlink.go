package modem

// fragment is a payload line waiting for its metrics line.
type fragment struct {
	port    int
	payload string
	line    string
}

// reassembler merges a payload line and the metrics line that follows it
// into one Downlink. It is either idle (pending == nil) or awaiting metrics.
//
// Only the loop goroutine touches a reassembler.
type reassembler struct {
	pending *fragment
}

// payload starts awaiting metrics for a new fragment. A fragment that was
// already waiting is returned as superseded.
func (r *reassembler) payload(port int, payload, line string) (superseded *fragment) {
	superseded = r.pending
	r.pending = &fragment{port: port, payload: payload, line: line}
	return superseded
}

// metrics completes the pending fragment, if any. A confirmed metrics line
// always yields a Confirmation, with or without a downlink.
func (r *reassembler) metrics(rssi int, snr float64, confirmed bool) (*Downlink, *Confirmation) {
	var dl *Downlink
	if f := r.pending; f != nil {
		dl = &Downlink{Port: f.port, RSSI: rssi, SNR: snr, Payload: f.payload}
		r.pending = nil
	}

	var c *Confirmation
	if confirmed {
		c = &Confirmation{RSSI: rssi, SNR: snr}
	}
	return dl, c
}

// reset returns to idle and hands back whatever was pending.
func (r *reassembler) reset() *fragment {
	f := r.pending
	r.pending = nil
	return f
}

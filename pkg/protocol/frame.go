// Package protocol implements the biochip actuation wire format: ASCII command
// frames terminated by CR LF, and the canonical command strings understood by
// the electrode controller firmware.
package protocol

import "bytes"

// Terminator ends every frame in both directions.
const Terminator = "\r\n"

var terminator = []byte(Terminator)

// Encode appends the frame terminator to a command.
func Encode(cmd string) []byte {
	out := make([]byte, 0, len(cmd)+len(terminator))
	out = append(out, cmd...)
	return append(out, terminator...)
}

// Decode splits buf on the terminator. Complete frames are returned in arrival
// order; the trailing segment (possibly empty) is returned as remainder and
// must be prepended to the next read.
func Decode(buf []byte) (frames []string, remainder []byte) {
	for {
		idx := bytes.Index(buf, terminator)
		if idx < 0 {
			break
		}
		frames = append(frames, string(buf[:idx]))
		buf = buf[idx+len(terminator):]
	}
	remainder = make([]byte, len(buf))
	copy(remainder, buf)
	return frames, remainder
}

// Decoder accumulates inbound bytes across reads and surfaces frames once
// their terminator has been fully received.
type Decoder struct {
	buf []byte
}

// Feed appends data and returns every frame completed by it.
func (d *Decoder) Feed(data []byte) []string {
	d.buf = append(d.buf, data...)
	frames, rest := Decode(d.buf)
	d.buf = rest
	return frames
}

// Pending returns the buffered partial frame.
func (d *Decoder) Pending() []byte {
	out := make([]byte, len(d.buf))
	copy(out, d.buf)
	return out
}

// Reset discards any buffered partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

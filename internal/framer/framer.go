// Package framer reassembles newline-terminated text lines from arbitrarily
// fragmented byte chunks.
package framer

import (
	"bytes"
	"iter"
)

// DefaultMaxPending bounds the bytes held while waiting for a terminator.
// NMEA sentences are at most 82 characters, so this leaves ample headroom.
const DefaultMaxPending = 4096

// Framer holds the pending bytes of a single source. It is not safe for
// concurrent use; each transport owns its own Framer.
type Framer struct {
	// MaxPending is the largest unterminated tail kept between feeds.
	// Zero or negative disables the limit.
	MaxPending int

	buf []byte // pending bytes are buf[off:]
	off int

	overflows uint64
}

func New(maxPending int) *Framer {
	return &Framer{MaxPending: maxPending}
}

// Feed appends b to the pending buffer and returns the complete lines now
// available. Lines are extracted lazily as the sequence is ranged over, without
// the terminator and any trailing '\r'. Blank lines are skipped. An
// unterminated tail stays buffered for the next Feed.
func (f *Framer) Feed(b []byte) iter.Seq[string] {
	f.compact()
	f.buf = append(f.buf, b...)

	return func(yield func(string) bool) {
		for {
			i := bytes.IndexByte(f.buf[f.off:], '\n')
			if i < 0 {
				break
			}
			line := bytes.TrimRight(f.buf[f.off:f.off+i], "\r")
			f.off += i + 1
			if len(line) == 0 {
				continue
			}
			if !yield(string(line)) {
				return
			}
		}
		f.checkOverflow()
	}
}

// Reset drops all pending bytes. Called when the transport closes.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.off = 0
}

// Pending reports the number of buffered bytes not yet returned as a line.
func (f *Framer) Pending() int { return len(f.buf) - f.off }

// Overflows reports how many times an unterminated tail exceeded MaxPending
// and was discarded.
func (f *Framer) Overflows() uint64 { return f.overflows }

func (f *Framer) checkOverflow() {
	if f.MaxPending > 0 && f.Pending() > f.MaxPending {
		f.overflows++
		f.Reset()
	}
}

func (f *Framer) compact() {
	if f.off == 0 {
		return
	}
	n := copy(f.buf, f.buf[f.off:])
	f.buf = f.buf[:n]
	f.off = 0
}

package wire

import (
	"fmt"
)

// ErrFraming is returned by Feed when a framing error is detected: bad magic
// number or an oversize body length. The deframer purges its entire buffer
// and resumes framing from the next bytes fed to it — it never attempts
// resynchronization by scanning forward byte-by-byte.
type ErrFraming struct {
	Reason string
}

func (e *ErrFraming) Error() string { return fmt.Sprintf("framing error: %s", e.Reason) }

// Deframer consumes an arbitrary byte stream and emits complete frames in
// order. It holds at most one in-flight partial frame.
type Deframer struct {
	magicNumber   uint32
	maxBodyLength int
	buf           []byte
}

// NewDeframer constructs a Deframer bound to a fixed magic number and
// maximum body length.
func NewDeframer(magicNumber uint32, maxBodyLength int) *Deframer {
	return &Deframer{magicNumber: magicNumber, maxBodyLength: maxBodyLength}
}

// Feed appends newly received bytes and returns every complete frame that
// can now be extracted. A non-nil *ErrFraming in the returned error means
// the internal buffer was purged; any bytes after the offending header are
// lost, matching the spec's "discard entire buffer" contract. Frames that
// were completed earlier in the same call, before the offending header, are
// still returned together with the framing error.
func (d *Deframer) Feed(data []byte) ([]Frame, error) {
	d.buf = append(d.buf, data...)

	var frames []Frame
	for {
		if len(d.buf) < HeaderLen {
			return frames, nil
		}

		hdr, err := DecodeHeader(d.buf[:HeaderLen])
		if err != nil {
			// Unreachable given the length check above, but keep the
			// purge contract symmetric with the other failure paths.
			d.buf = nil
			return frames, &ErrFraming{Reason: err.Error()}
		}

		if hdr.MagicNumber != d.magicNumber {
			d.buf = nil
			return frames, &ErrFraming{Reason: fmt.Sprintf("magic number mismatch: got %#x", hdr.MagicNumber)}
		}
		if int(hdr.DataLength) > d.maxBodyLength {
			d.buf = nil
			return frames, &ErrFraming{Reason: fmt.Sprintf("body length %d exceeds max %d", hdr.DataLength, d.maxBodyLength)}
		}

		total := HeaderLen + int(hdr.DataLength)
		if len(d.buf) < total {
			return frames, nil // wait for the rest of the body
		}

		body := make([]byte, hdr.DataLength)
		copy(body, d.buf[HeaderLen:total])
		frames = append(frames, Frame{Header: hdr, Body: body})

		d.buf = d.buf[total:]
	}
}

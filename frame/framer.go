package frame

import "encoding/binary"

// Framer turns a byte stream into a sequence of complete wire frames. It
// tolerates chunk boundaries that split a frame's length prefix, its body,
// or land mid-frame for any number of whole frames in between — mirroring
// the teacher's recvLoop, which reads a fixed header then fills the body
// incrementally off of whatever the transport hands back next.
type Framer struct {
	buf []byte // bytes accumulated for the frame currently being assembled
	need int    // total bytes `buf` must reach before the frame is complete; 0 until known
}

// NewFramer returns an empty Framer ready to consume transport chunks.
func NewFramer() *Framer {
	return &Framer{}
}

// Push feeds one transport chunk (of arbitrary size and boundary) into the
// Framer and returns every complete frame fully assembled as a result. The
// returned slices are fresh copies safe to retain past the next Push call.
func (fr *Framer) Push(chunk []byte) ([][]byte, error) {
	var out [][]byte
	for len(chunk) > 0 {
		if fr.need == 0 {
			// Not enough buffered yet to know the frame length.
			want := 4 - len(fr.buf)
			if want > len(chunk) {
				fr.buf = append(fr.buf, chunk...)
				return out, nil
			}
			fr.buf = append(fr.buf, chunk[:want]...)
			chunk = chunk[want:]
			fr.need = int(binary.BigEndian.Uint32(fr.buf))
			if fr.need < HeaderSize {
				return out, ErrMalformedHeader
			}
		}

		remaining := fr.need - len(fr.buf)
		if remaining > len(chunk) {
			fr.buf = append(fr.buf, chunk...)
			return out, nil
		}

		fr.buf = append(fr.buf, chunk[:remaining]...)
		chunk = chunk[remaining:]

		frame := fr.buf
		out = append(out, frame)
		fr.buf = nil
		fr.need = 0
	}
	return out, nil
}

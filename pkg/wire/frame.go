package wire

import "fmt"

// Assemble concatenates a base header, an optional extension header (already
// marshaled), and an optional payload into a single frame, rejecting
// anything that would exceed MaxFrameSize.
func Assemble(h BaseHeader, ext, payload []byte) ([]byte, error) {
	n := BaseHeaderSize + len(ext) + len(payload)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame would be %d bytes, max is %d", ErrFrameTooLarge, n, MaxFrameSize)
	}
	b := make([]byte, n)
	h.put(b[:BaseHeaderSize])
	copy(b[BaseHeaderSize:], ext)
	copy(b[BaseHeaderSize+len(ext):], payload)
	return b, nil
}

// SplitFrame decodes the base header from a frame and returns the header
// along with the remaining bytes (extension header + payload).
func SplitFrame(frame []byte) (BaseHeader, []byte, error) {
	var h BaseHeader
	if err := h.UnmarshalBinary(frame); err != nil {
		return h, nil, err
	}
	return h, frame[BaseHeaderSize:], nil
}

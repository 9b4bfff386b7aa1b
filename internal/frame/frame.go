// Package frame implements the byte layout stored inside a reserved region.
//
// A frame consists of a 16 byte header followed by the payload:
//
//	[length: 8 bytes][checksum: 8 bytes][payload: length bytes][unused]
//
// Header fields use the host's native byte order, since regions are only
// read back by executables built for the same host.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// HeaderSize is the number of bytes preceding the payload.
const HeaderSize = 16

var order = binary.NativeEndian

// ErrChecksum is returned if the stored payload fails integrity validation.
var ErrChecksum = errors.New("payload checksum mismatch")

// SizeError is returned if a payload does not fit into its region.
type SizeError struct {
	Payload   int // Length of the encoded payload
	Available int // Payload capacity of the region
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds the available region capacity of %d bytes", e.Payload, e.Available)
}

// Header is the decoded frame header.
type Header struct {
	Length   uint64
	Checksum uint64
}

// Blank reports whether the header belongs to a region that was never written.
func (h Header) Blank() bool {
	return h.Length == 0 && h.Checksum == 0
}

// Checksum computes the integrity checksum of a payload.
func Checksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// Available returns the payload capacity of a region with the given size.
func Available(size int) int {
	if size < HeaderSize {
		return 0
	}
	return size - HeaderSize
}

// Encode returns the frame for payload, to be stored inside a region of the given size.
// The result is shorter than the region; bytes behind it are left untouched when patching.
func Encode(payload []byte, size int) ([]byte, error) {
	if avail := Available(size); len(payload) > avail {
		return nil, &SizeError{Payload: len(payload), Available: avail}
	}
	f := make([]byte, HeaderSize, HeaderSize+len(payload))
	order.PutUint64(f[0:8], uint64(len(payload)))
	order.PutUint64(f[8:16], Checksum(payload))
	return append(f, payload...), nil
}

// Blank returns a frame that marks its region as never written.
func Blank() []byte {
	return make([]byte, HeaderSize)
}

// ReadHeader decodes the header at the start of region.
func ReadHeader(region []byte) (Header, error) {
	if len(region) < HeaderSize {
		return Header{}, fmt.Errorf("region of %d bytes cannot hold a frame header", len(region))
	}
	return Header{
		Length:   order.Uint64(region[0:8]),
		Checksum: order.Uint64(region[8:16]),
	}, nil
}

// Decode validates the frame stored in region and returns its payload.
// The returned slice aliases region.
// Bytes behind the payload are never inspected.
func Decode(region []byte) ([]byte, error) {
	h, err := ReadHeader(region)
	if err != nil {
		return nil, err
	}
	if h.Length > uint64(Available(len(region))) { // corrupted length field
		return nil, ErrChecksum
	}
	payload := region[HeaderSize : HeaderSize+int(h.Length)]
	if Checksum(payload) != h.Checksum {
		return nil, ErrChecksum
	}
	return payload, nil
}

package enclave

import (
	"fmt"

	"github.com/maja42/enclave/internal/frame"
	"github.com/maja42/enclave/internal/tag"
)

// Header is the decoded header of a region's frame.
type Header = frame.Header

// Region is a reserved region compiled into the executable.
//
// It is declared as a statically initialised byte array starting with the
// region's tag, followed by the region itself:
//
//	var settingsRegion = [len("~~enclave:settings:256~~") + 256]byte{'~', '~', 'e', ...}
//
// Such declarations are generated by the gen package and the enclave command.
// The contents are what the executable loaded from disk at startup and are
// never modified by this package.
type Region struct {
	tag   tag.Tag
	frame []byte
}

// NewRegion wraps a region declaration.
func NewRegion(b []byte) (*Region, error) {
	t, n, err := tag.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%w: region declaration must start with its tag", ErrInvalidRegion)
	}
	if len(b)-n != t.Size {
		return nil, fmt.Errorf("%w: region %q declares %d bytes, but %d follow its tag", ErrInvalidRegion, t.Name, t.Size, len(b)-n)
	}
	return &Region{tag: t, frame: b[n:]}, nil
}

// Name returns the region's name.
func (r *Region) Name() string {
	return r.tag.Name
}

// Size returns the size of the region in bytes.
func (r *Region) Size() int {
	return r.tag.Size
}

// Available returns the maximum number of payload bytes the region can hold.
func (r *Region) Available() int {
	return frame.Available(r.tag.Size)
}

// Bytes returns the contents of the region. It must not be modified.
func (r *Region) Bytes() []byte {
	return r.frame
}

// Header returns the header of the frame stored in the region.
func (r *Region) Header() Header {
	h, _ := frame.ReadHeader(r.frame) // sizes below the header are rejected by tag.Parse
	return h
}

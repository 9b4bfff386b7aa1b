// Package enclave stores a typed configuration payload inside the
// executable of the program using it.
//
// The payload lives in a reserved region that is compiled into the
// executable. Decode reads it from memory at any time. Write encodes a new
// value and atomically replaces the executable file on disk with a copy
// containing it. The running process keeps observing the value it was
// started with; the next start of the program observes the new one.
//
// Regions are declared by the code generator found in the gen package:
//
//	//go:generate enclave reserve -f enclaves.yaml -pkg main -out zz_enclave.go
//
// Only one process may write to an executable at a time.
// Concurrent writers are not detected; the last one wins.
package enclave

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/maja42/enclave/internal/frame"
	"github.com/maja42/enclave/internal/locate"
	"github.com/maja42/enclave/internal/patch"
)

// Defaulter is implemented by payload types that provide a default value.
// DecodeOrDefault returns it when the region holds no valid payload.
type Defaulter[T any] interface {
	Default() T
}

// Enclave provides access to the payload of type T stored within a region.
type Enclave[T any] struct {
	region *Region
	cfg    config
}

// New returns the enclave for a region declaration.
func New[T any](region []byte, opts ...Option) (*Enclave[T], error) {
	r, err := NewRegion(region)
	if err != nil {
		return nil, err
	}
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return &Enclave[T]{region: r, cfg: cfg}, nil
}

// MustNew is like New but panics on errors.
// It is intended for package level declarations.
func MustNew[T any](region []byte, opts ...Option) *Enclave[T] {
	e, err := New[T](region, opts...)
	if err != nil {
		panic(fmt.Sprintf("enclave: %s", err))
	}
	return e
}

// Name returns the name of the underlying region.
func (e *Enclave[T]) Name() string {
	return e.region.Name()
}

// Size returns the size of the underlying region in bytes.
func (e *Enclave[T]) Size() int {
	return e.region.Size()
}

// Available returns the number of bytes available for the encoded payload.
func (e *Enclave[T]) Available() int {
	return e.region.Available()
}

// Decode returns the payload the executable was started with.
//
// Returns ErrPayloadChecksum if the region was never written or its content
// is corrupt, and a *DeserializeError if the payload cannot be decoded into T.
func (e *Enclave[T]) Decode() (T, error) {
	var v T
	payload, err := frame.Decode(e.region.Bytes())
	if err != nil {
		return v, err
	}
	if err := e.cfg.codec.Unmarshal(payload, &v); err != nil {
		var zero T
		return zero, &DeserializeError{Codec: e.cfg.codec.Name(), Err: err}
	}
	return v, nil
}

// DecodeOrDefault is like Decode but returns the default value on errors.
// The default value is provided by T's Default method, if T implements Defaulter.
// Otherwise, it is the zero value.
func (e *Enclave[T]) DecodeOrDefault() T {
	if v, err := e.Decode(); err == nil {
		return v
	}
	var zero T
	if d, ok := any(zero).(Defaulter[T]); ok {
		return d.Default()
	}
	if d, ok := any(&zero).(Defaulter[T]); ok {
		return d.Default()
	}
	return zero
}

// Write stores v within the executable file of the running process.
// Returns the number of payload bytes written.
//
// The change is not visible to Decode until the program is restarted.
func (e *Enclave[T]) Write(v *T) (int, error) {
	frm, err := e.encode(v)
	if err != nil {
		return 0, err
	}

	loc := e.cfg.locator
	if loc == nil {
		loc = locate.Host()
	}
	if _, ok := loc.(locate.Unsupported); ok {
		return 0, ErrUnsupportedPlatform
	}

	path := e.cfg.executable
	if path == "" {
		if path, err = executable(); err != nil {
			return 0, err
		}
	}
	return e.patch(path, loc, frm)
}

// WriteTo stores v within the executable file at path.
// Returns the number of payload bytes written.
//
// The executable must have been built with the same region declaration.
func (e *Enclave[T]) WriteTo(path string, v *T) (int, error) {
	frm, err := e.encode(v)
	if err != nil {
		return 0, err
	}
	return e.patch(path, e.cfg.locator, frm)
}

// encode returns the frame for v.
func (e *Enclave[T]) encode(v *T) ([]byte, error) {
	payload, err := e.cfg.codec.Marshal(v)
	if err != nil {
		return nil, &SerializeError{Codec: e.cfg.codec.Name(), Err: err}
	}
	return frame.Encode(payload, e.region.Size())
}

// patch replaces the region within the executable file at path.
// The container format is detected from the file's content if loc is nil.
func (e *Enclave[T]) patch(path string, loc locate.Locator, frm []byte) (int, error) {
	f := patch.NewFile(path)
	img, err := f.Read()
	if err != nil {
		return 0, err
	}
	if loc == nil {
		if loc, err = locate.Detect(img.Data); err != nil {
			return 0, err
		}
	}

	sec, err := loc.Locate(e.region.Name(), img.Data)
	if err != nil {
		return 0, err
	}
	return f.Patch(img, sec, frm, func(data []byte) error {
		return loc.Seal(data, sec)
	})
}

// executable returns the path of the running executable.
func executable() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBinaryNotLocated, err)
	}
	if p, err := filepath.EvalSymlinks(path); err == nil {
		// EvalSymlinks fails on Windows if the executable is located in the
		// remote SYSVOL volume from the domain controller.
		// It is therefore optional, any errors are ignored.
		path = p
	}
	return path, nil
}

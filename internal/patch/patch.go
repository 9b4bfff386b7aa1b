// Package patch rewrites a reserved region of an executable file on disk.
//
// The modified executable is written to a temporary file next to the
// original and renamed over it. Readers and running processes therefore
// observe either the old or the new executable, never a partially written
// one. A process that is currently executing the file keeps its mapping of
// the old inode.
package patch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maja42/enclave/internal/frame"
	"github.com/maja42/enclave/internal/locate"
)

// Steps of a patch operation, as reported by Error.
const (
	StepRead   = "read"
	StepStat   = "stat"
	StepSeal   = "seal"
	StepCreate = "create"
	StepWrite  = "write"
	StepSync   = "sync"
	StepChmod  = "chmod"
	StepClose  = "close"
	StepRename = "rename"
)

// modeBits are the parts of a file mode carried over to the patched file.
const modeBits = os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky

// Error reports a failed step while patching an executable.
type Error struct {
	Step string // The failed step, e.g. StepRename
	Path string // The file the step operated on
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("patch executable: %s %s: %s", e.Step, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Image is the content of an executable file together with its mode.
type Image struct {
	Data []byte
	Mode os.FileMode
}

// File is an executable file that can be patched.
type File struct {
	Path string

	rename func(oldpath, newpath string) error // replaced by tests
}

// NewFile returns the patchable file at path.
func NewFile(path string) *File {
	return &File{Path: path}
}

// Read returns the current content of the file.
// Data and mode are taken from the same open handle.
func (f *File) Read() (Image, error) {
	fd, err := os.Open(f.Path)
	if err != nil {
		return Image{}, &Error{Step: StepRead, Path: f.Path, Err: err}
	}
	defer fd.Close()

	info, err := fd.Stat()
	if err != nil {
		return Image{}, &Error{Step: StepStat, Path: f.Path, Err: err}
	}
	data, err := io.ReadAll(fd)
	if err != nil {
		return Image{}, &Error{Step: StepRead, Path: f.Path, Err: err}
	}
	return Image{Data: data, Mode: info.Mode() & modeBits}, nil
}

// Patch stores frm inside the region sec of img and atomically replaces the
// file with the result. Bytes of the region behind frm are kept.
//
// seal (optional) is invoked on the modified image before it is written,
// to update container metadata such as code signatures.
//
// Returns the number of payload bytes written.
// A frame that does not fit into the region fails with *frame.SizeError
// before any I/O takes place. img is not modified.
func (f *File) Patch(img Image, sec locate.Section, frm []byte, seal func([]byte) error) (int, error) {
	if len(frm) < frame.HeaderSize {
		return 0, fmt.Errorf("frame of %d bytes is shorter than its header", len(frm))
	}
	if int64(len(frm)) > sec.Size {
		return 0, &frame.SizeError{Payload: len(frm) - frame.HeaderSize, Available: frame.Available(int(sec.Size))}
	}
	if sec.Offset < 0 || sec.Offset+sec.Size > int64(len(img.Data)) {
		return 0, fmt.Errorf("region %q at %d+%d exceeds the executable of %d bytes", sec.Name, sec.Offset, sec.Size, len(img.Data))
	}

	data := make([]byte, len(img.Data))
	copy(data, img.Data)
	copy(data[sec.Offset:], frm)

	if seal != nil {
		if err := seal(data); err != nil {
			return 0, &Error{Step: StepSeal, Path: f.Path, Err: err}
		}
	}
	if err := f.replace(data, img.Mode); err != nil {
		return 0, err
	}
	return len(frm) - frame.HeaderSize, nil
}

// replace atomically exchanges the content of the file.
func (f *File) replace(data []byte, mode os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".new-*")
	if err != nil {
		return &Error{Step: StepCreate, Path: f.Path, Err: err}
	}
	tmpPath := tmp.Name()
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			_ = tmp.Close()
		}
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return &Error{Step: StepWrite, Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &Error{Step: StepSync, Path: tmpPath, Err: err}
	}
	if err := tmp.Chmod(mode); err != nil {
		return &Error{Step: StepChmod, Path: tmpPath, Err: err}
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return &Error{Step: StepClose, Path: tmpPath, Err: err}
	}

	rename := f.rename
	if rename == nil {
		rename = os.Rename
	}
	if err := rename(tmpPath, f.Path); err != nil {
		return &Error{Step: StepRename, Path: f.Path, Err: err}
	}

	// umask and ownership rules may have altered the mode
	if err := os.Chmod(f.Path, mode); err != nil {
		return &Error{Step: StepChmod, Path: f.Path, Err: err}
	}
	return nil
}

// IsStep reports whether err is a patch error of the given step.
func IsStep(err error, step string) bool {
	var e *Error
	return errors.As(err, &e) && e.Step == step
}

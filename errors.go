package enclave

import (
	"errors"
	"fmt"

	"github.com/maja42/enclave/internal/codesign"
	"github.com/maja42/enclave/internal/frame"
	"github.com/maja42/enclave/internal/locate"
	"github.com/maja42/enclave/internal/patch"
	"github.com/maja42/enclave/internal/tag"
)

var (
	// ErrSectionNotFound is returned if the executable contains no region with the enclave's name.
	ErrSectionNotFound = locate.ErrSectionNotFound
	// ErrPayloadChecksum is returned if the stored payload fails integrity validation.
	// Regions that were never written report this error as well.
	ErrPayloadChecksum = frame.ErrChecksum
	// ErrBinaryNotLocated is returned if the path of the running executable cannot be resolved.
	ErrBinaryNotLocated = errors.New("running executable could not be located")
	// ErrUnsupportedPlatform is returned when writing on platforms whose executable format is not supported.
	ErrUnsupportedPlatform = locate.ErrUnsupported
	// ErrSignedBinary is returned for macOS executables signed with a developer identity.
	ErrSignedBinary = codesign.ErrSigned
	// ErrInvalidRegion is returned for region declarations that do not start with a valid tag.
	ErrInvalidRegion = tag.ErrInvalid
)

// SectionSizeExceededError is returned if an encoded payload does not fit into its region.
type SectionSizeExceededError = frame.SizeError

// PatchError reports the failed I/O step while rewriting an executable.
type PatchError = patch.Error

// FormatError is returned for executables whose container cannot be interpreted.
type FormatError = locate.FormatError

// SerializeError is returned if a value cannot be encoded.
type SerializeError struct {
	Codec string
	Err   error
}

func (e *SerializeError) Error() string {
	return fmt.Sprintf("serialize payload (%s): %s", e.Codec, e.Err)
}

func (e *SerializeError) Unwrap() error {
	return e.Err
}

// DeserializeError is returned if a stored payload passes integrity
// validation but cannot be decoded, typically after the payload type changed.
type DeserializeError struct {
	Codec string
	Err   error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("deserialize payload (%s): %s", e.Codec, e.Err)
}

func (e *DeserializeError) Unwrap() error {
	return e.Err
}

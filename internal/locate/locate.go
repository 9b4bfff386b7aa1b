// Package locate finds reserved regions within executable images.
//
// Go does not allow placing a variable into a section of a chosen name.
// Regions are therefore statically initialised byte arrays, which the
// linker emits into the writable data sections of the executable. Each
// starts with a tag carrying its name and size (see internal/tag). A
// Locator parses the container format, selects the sections that can hold
// initialised data and resolves a region name to its file offset and size.
package locate

import (
	"errors"
	"fmt"

	"github.com/maja42/enclave/internal/tag"
)

// ErrSectionNotFound is returned if the requested region does not exist.
var ErrSectionNotFound = errors.New("section not found")

// ErrUnsupported is returned for executable formats that cannot be patched.
var ErrUnsupported = errors.New("unsupported executable format")

// FormatError reports an executable that could not be interpreted.
type FormatError struct {
	Format string // Container format, e.g. "elf"; empty if unrecognised
	Msg    string
	Err    error // Underlying parser error, if any
}

func (e *FormatError) Error() string {
	msg := "malformed executable"
	if e.Format != "" {
		msg = "malformed " + e.Format + " executable"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Section describes where a region is stored within an executable file.
type Section struct {
	Name      string // Region name
	Offset    int64  // File offset of the region's frame, directly behind its tag
	Size      int64  // Region size in bytes
	Container string // Name of the container section holding the region
}

// Locator resolves regions within executable images of one container format.
// Implementations are pure functions over the image.
type Locator interface {
	// Format returns the name of the container format.
	Format() string
	// Regions returns all regions within the image.
	Regions(image []byte) ([]Section, error)
	// Locate returns the region with the given name.
	Locate(name string, image []byte) (Section, error)
	// Seal updates container metadata after the bytes of sec were modified.
	Seal(image []byte, sec Section) error
}

// span is a container section that can hold regions.
type span struct {
	name   string
	offset int64
	size   int64
}

func regions(format string, image []byte, spans []span) ([]Section, error) {
	var found []Section
	for _, s := range spans {
		data, err := spanData(format, image, s)
		if err != nil {
			return nil, err
		}
		for _, m := range tag.Scan(data) {
			sec, err := section(format, s, m)
			if err != nil {
				return nil, err
			}
			found = append(found, sec)
		}
	}
	return found, nil
}

func locate(format, name string, image []byte, spans []span) (Section, error) {
	var found []Section
	for _, s := range spans {
		data, err := spanData(format, image, s)
		if err != nil {
			return Section{}, err
		}
		for _, m := range tag.Index(data, name) {
			sec, err := section(format, s, m)
			if err != nil {
				return Section{}, err
			}
			found = append(found, sec)
		}
	}
	switch len(found) {
	case 0:
		return Section{}, fmt.Errorf("%w: no region %q", ErrSectionNotFound, name)
	case 1:
		return found[0], nil
	default:
		return Section{}, &FormatError{Format: format, Msg: fmt.Sprintf("region %q is declared %d times", name, len(found))}
	}
}

func spanData(format string, image []byte, s span) ([]byte, error) {
	if s.offset < 0 || s.size < 0 || s.offset+s.size > int64(len(image)) {
		return nil, &FormatError{Format: format, Msg: fmt.Sprintf("section %s exceeds the file", s.name)}
	}
	return image[s.offset : s.offset+s.size], nil
}

func section(format string, s span, m tag.Match) (Section, error) {
	if int64(m.End()+m.Size) > s.size {
		return Section{}, &FormatError{Format: format, Msg: fmt.Sprintf("region %q overruns section %s", m.Name, s.name)}
	}
	return Section{
		Name:      m.Name,
		Offset:    s.offset + int64(m.End()),
		Size:      int64(m.Size),
		Container: s.name,
	}, nil
}

// Unsupported is the locator for platforms without a supported container format.
// Every operation fails with ErrUnsupported.
type Unsupported struct{}

func (Unsupported) Format() string { return "unsupported" }

func (Unsupported) Regions([]byte) ([]Section, error) { return nil, ErrUnsupported }

func (Unsupported) Locate(string, []byte) (Section, error) { return Section{}, ErrUnsupported }

func (Unsupported) Seal([]byte, Section) error { return ErrUnsupported }

// Detect returns the locator matching the image's magic number.
// Images of other formats yield a *FormatError.
func Detect(image []byte) (Locator, error) {
	switch {
	case len(image) >= 4 && string(image[:4]) == "\x7fELF":
		return ELF{}, nil
	case isMachO(image):
		return MachO{}, nil
	}
	return nil, &FormatError{Msg: "neither ELF nor Mach-O"}
}

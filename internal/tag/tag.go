package tag

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// A tag precedes every reserved region inside an executable:
//
//	~~enclave:<name>:<size>~~
//
// It identifies the region by name and records how many bytes follow it.
// The frame of the region starts directly after the closing "~~".

// MaxNameLen is the longest accepted region name.
// It matches the section name limit of Mach-O.
const MaxNameLen = 16

// MinSize is the smallest region that can hold a frame header.
const MinSize = 16

// MaxSize bounds the region size to keep tags and images sane.
const MaxSize = 1 << 30

const suffix = "~~"

// prefix starts every tag.
// It is assembled at runtime so that the complete pattern is only present
// in executables within declared regions, never within library code.
var prefix []byte

func init() {
	prefix = []byte(strings.ReplaceAll("~~XXX:", "XXX", "enclave"))
}

// ErrInvalid is returned when bytes do not start with a well-formed tag.
var ErrInvalid = errors.New("invalid region tag")

// Tag describes a reserved region.
type Tag struct {
	Name string // Region name
	Size int    // Region size in bytes, excluding the tag itself
}

// Bytes returns the binary representation of the tag.
func (t Tag) Bytes() []byte {
	return Format(t.Name, t.Size)
}

// Len returns the number of bytes occupied by the tag.
func (t Tag) Len() int {
	return len(prefix) + len(t.Name) + 1 + len(strconv.Itoa(t.Size)) + len(suffix)
}

// Format returns the tag for a region. Inputs are not validated.
func Format(name string, size int) []byte {
	b := make([]byte, 0, len(prefix)+len(name)+12)
	b = append(b, prefix...)
	b = append(b, name...)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(size), 10)
	b = append(b, suffix...)
	return b
}

// Parse reads the tag at the start of b.
// Returns the tag and its length in bytes.
func Parse(b []byte) (Tag, int, error) {
	if !bytes.HasPrefix(b, prefix) {
		return Tag{}, 0, ErrInvalid
	}
	rest := b[len(prefix):]

	sep := bytes.IndexByte(rest, ':')
	if sep < 0 || sep > MaxNameLen {
		return Tag{}, 0, ErrInvalid
	}
	name := string(rest[:sep])
	if ValidateName(name) != nil {
		return Tag{}, 0, ErrInvalid
	}
	rest = rest[sep+1:]

	end := bytes.Index(rest, []byte(suffix))
	if end <= 0 || end > len(strconv.Itoa(MaxSize)) {
		return Tag{}, 0, ErrInvalid
	}
	size, err := strconv.Atoi(string(rest[:end]))
	if err != nil || ValidateSize(size) != nil || strconv.Itoa(size) != string(rest[:end]) {
		return Tag{}, 0, ErrInvalid
	}

	t := Tag{Name: name, Size: size}
	return t, t.Len(), nil
}

// Match is a tag found within a byte slice.
type Match struct {
	Tag
	Offset int // Offset of the first tag byte
}

// End returns the offset of the first byte after the tag,
// which is where the region's frame starts.
func (m Match) End() int {
	return m.Offset + m.Len()
}

// Scan returns all well-formed tags within data.
// Byte sequences resembling the prefix without forming a valid tag are skipped.
// The bytes of a region are never scanned, so payloads containing tags do
// not declare further regions.
func Scan(data []byte) []Match {
	var matches []Match
	pos := 0
	for pos < len(data) {
		idx := bytes.Index(data[pos:], prefix)
		if idx < 0 {
			break
		}
		offset := pos + idx
		t, n, err := Parse(data[offset:])
		if err != nil {
			pos = offset + 1
			continue
		}
		matches = append(matches, Match{Tag: t, Offset: offset})
		pos = min(offset+n+t.Size, len(data))
	}
	return matches
}

// Index returns all tags within data that carry the given name.
func Index(data []byte, name string) []Match {
	var matches []Match
	for _, m := range Scan(data) {
		if m.Name == name {
			matches = append(matches, m)
		}
	}
	return matches
}

// ValidateName checks that name can identify a region.
// Names consist of 1 to MaxNameLen ASCII letters, digits or underscores
// and must not start with a digit.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("empty region name")
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("region name %q exceeds %d characters", name, MaxNameLen)
	}
	for i, c := range name {
		switch {
		case c == '_', 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9' && i > 0:
		default:
			return fmt.Errorf("region name %q: invalid character %q at position %d", name, c, i)
		}
	}
	return nil
}

// ValidateSize checks that a region of the given size can hold a frame.
func ValidateSize(size int) error {
	if size < MinSize {
		return fmt.Errorf("region size %d is smaller than the frame header (%d bytes)", size, MinSize)
	}
	if size > MaxSize {
		return fmt.Errorf("region size %d exceeds %d bytes", size, MaxSize)
	}
	return nil
}

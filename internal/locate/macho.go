package locate

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/maja42/enclave/internal/codesign"
)

// dataSegment holds the initialised, writable data of Mach-O executables.
const dataSegment = "__DATA"

// Zero-fill section types occupy no file space.
const (
	sectionZerofill            = 0x01
	sectionGBZerofill          = 0x0c
	sectionThreadLocalZerofill = 0x12
)

// MachO locates regions in Mach-O executables and universal binaries.
//
// Regions are searched in the file-backed sections of the __DATA segment.
// For universal binaries, the slice for Cpu is used and all offsets are
// relative to the start of the universal file.
type MachO struct {
	Cpu macho.Cpu // Slice to use within universal binaries; defaults to the host CPU
}

func (MachO) Format() string { return "mach-o" }

func (m MachO) Regions(image []byte) ([]Section, error) {
	spans, err := m.spans(image)
	if err != nil {
		return nil, err
	}
	return regions(m.Format(), image, spans)
}

func (m MachO) Locate(name string, image []byte) (Section, error) {
	spans, err := m.spans(image)
	if err != nil {
		return Section{}, err
	}
	return locate(m.Format(), name, image, spans)
}

// Seal refreshes the ad-hoc code signature of the slice holding sec,
// so that the modified pages pass validation when the executable is loaded.
func (m MachO) Seal(image []byte, sec Section) error {
	_, base, size, err := m.open(image)
	if err != nil {
		return err
	}
	slice := image[base : base+size]
	if err := codesign.Refresh(slice, sec.Offset-base, sec.Size); err != nil {
		return fmt.Errorf("refresh code signature: %w", err)
	}
	return nil
}

func (m MachO) spans(image []byte) ([]span, error) {
	f, base, _, err := m.open(image)
	if err != nil {
		return nil, err
	}
	if f.Segment(dataSegment) == nil {
		return nil, fmt.Errorf("%w: no %s segment", ErrSectionNotFound, dataSegment)
	}

	var spans []span
	for _, s := range f.Sections {
		if s.Seg != dataSegment || s.Offset == 0 {
			continue
		}
		switch s.Flags & 0xff {
		case sectionZerofill, sectionGBZerofill, sectionThreadLocalZerofill:
			continue
		}
		spans = append(spans, span{
			name:   s.Seg + "," + s.Name,
			offset: base + int64(s.Offset),
			size:   int64(s.Size),
		})
	}
	return spans, nil
}

// open parses the image and returns the Mach-O file to operate on,
// together with its offset and length within the image.
func (m MachO) open(image []byte) (*macho.File, int64, int64, error) {
	r := bytes.NewReader(image)
	if !isFat(image) {
		f, err := macho.NewFile(r)
		if err != nil {
			return nil, 0, 0, &FormatError{Format: m.Format(), Err: err}
		}
		return f, 0, int64(len(image)), nil
	}

	ff, err := macho.NewFatFile(r)
	if err != nil {
		return nil, 0, 0, &FormatError{Format: m.Format(), Err: err}
	}
	cpu := m.cpu()
	for _, arch := range ff.Arches {
		if arch.Cpu != cpu {
			continue
		}
		if int64(arch.Offset)+int64(arch.Size) > int64(len(image)) {
			return nil, 0, 0, &FormatError{Format: m.Format(), Msg: fmt.Sprintf("%s slice exceeds the file", cpu)}
		}
		return arch.File, int64(arch.Offset), int64(arch.Size), nil
	}
	return nil, 0, 0, &FormatError{Format: m.Format(), Msg: fmt.Sprintf("universal binary has no %s slice", cpu)}
}

func (m MachO) cpu() macho.Cpu {
	if m.Cpu != 0 {
		return m.Cpu
	}
	return hostCPU()
}

func hostCPU() macho.Cpu {
	switch runtime.GOARCH {
	case "386":
		return macho.Cpu386
	case "arm":
		return macho.CpuArm
	case "arm64":
		return macho.CpuArm64
	case "ppc":
		return macho.CpuPpc
	case "ppc64":
		return macho.CpuPpc64
	default:
		return macho.CpuAmd64
	}
}

func isFat(image []byte) bool {
	return len(image) >= 4 && binary.BigEndian.Uint32(image) == macho.MagicFat
}

func isMachO(image []byte) bool {
	if isFat(image) {
		return true
	}
	if len(image) < 4 {
		return false
	}
	for _, magic := range []uint32{binary.BigEndian.Uint32(image), binary.LittleEndian.Uint32(image)} {
		if magic == macho.Magic32 || magic == macho.Magic64 {
			return true
		}
	}
	return false
}

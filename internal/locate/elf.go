package locate

import (
	"bytes"
	"debug/elf"
)

// ELF locates regions in ELF executables.
//
// Section headers are iterated with their names resolved via the section
// header string table. Regions are searched in every allocated, writable
// PROGBITS section, which is where the Go linker places initialised data
// (.noptrdata and .data).
type ELF struct{}

func (ELF) Format() string { return "elf" }

func (e ELF) Regions(image []byte) ([]Section, error) {
	spans, err := e.spans(image)
	if err != nil {
		return nil, err
	}
	return regions(e.Format(), image, spans)
}

func (e ELF) Locate(name string, image []byte) (Section, error) {
	spans, err := e.spans(image)
	if err != nil {
		return Section{}, err
	}
	return locate(e.Format(), name, image, spans)
}

// Seal is a no-op; ELF executables carry no checksums over section contents.
func (ELF) Seal([]byte, Section) error {
	return nil
}

func (e ELF) spans(image []byte) ([]span, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, &FormatError{Format: e.Format(), Err: err}
	}

	const want = elf.SHF_ALLOC | elf.SHF_WRITE
	var spans []span
	for _, s := range f.Sections {
		if s.Type != elf.SHT_PROGBITS || s.Flags&want != want || s.Flags&elf.SHF_COMPRESSED != 0 {
			continue
		}
		spans = append(spans, span{name: s.Name, offset: int64(s.Offset), size: int64(s.Size)})
	}
	return spans, nil
}

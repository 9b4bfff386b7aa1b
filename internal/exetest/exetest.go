// Package exetest builds minimal ELF and Mach-O images for tests.
//
// The images only carry what debug/elf and debug/macho need to parse them:
// a file header, section metadata and section contents. They are not
// runnable.
package exetest

import (
	"bytes"
	"crypto/sha256"
	"debug/elf"
	"debug/macho"
	"encoding/binary"

	"github.com/maja42/enclave/internal/tag"
)

// Region returns a tagged, blank region of the given size,
// as the compiler emits it for a declared region.
func Region(name string, size int) []byte {
	return append(tag.Format(name, size), make([]byte, size)...)
}

// Filler returns n bytes of deterministic, non-zero content.
func Filler(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + 7)
	}
	return b
}

// ELFSection describes a section of a synthetic ELF image.
type ELFSection struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Data  []byte
}

// DataSection returns an allocated, writable PROGBITS section.
func DataSection(name string, data []byte) ELFSection {
	return ELFSection{Name: name, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Data: data}
}

// ReadOnlySection returns an allocated, read-only PROGBITS section.
func ReadOnlySection(name string, data []byte) ELFSection {
	return ELFSection{Name: name, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Data: data}
}

// ELF returns a little-endian 64-bit ELF executable containing the given sections.
// A section name string table is appended automatically.
func ELF(sections ...ELFSection) []byte {
	const headerSize = 64
	const shentsize = 64

	all := append([]ELFSection{{}}, sections...) // index 0 is the null section

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	names := make([]uint32, len(all)+1)
	for i, s := range all[1:] {
		names[i+1] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.Name)
		shstrtab.WriteByte(0)
	}
	names[len(all)] = uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)
	all = append(all, ELFSection{Name: ".shstrtab", Type: elf.SHT_STRTAB, Data: shstrtab.Bytes()})

	body := bytes.NewBuffer(make([]byte, headerSize))
	headers := make([]elf.Section64, len(all))
	for i, s := range all {
		if i == 0 {
			continue
		}
		pad(body, 16)
		headers[i] = elf.Section64{
			Name:      names[i],
			Type:      uint32(s.Type),
			Flags:     uint64(s.Flags),
			Addr:      0x400000 + uint64(body.Len()),
			Off:       uint64(body.Len()),
			Size:      uint64(len(s.Data)),
			Addralign: 16,
		}
		if s.Type != elf.SHT_NOBITS {
			body.Write(s.Data)
		}
	}
	pad(body, 8)
	shoff := body.Len()
	for _, h := range headers {
		_ = binary.Write(body, binary.LittleEndian, h)
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x400000,
		Shoff:     uint64(shoff),
		Ehsize:    headerSize,
		Shentsize: shentsize,
		Shnum:     uint16(len(all)),
		Shstrndx:  uint16(len(all) - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	out := body.Bytes()
	var h bytes.Buffer
	_ = binary.Write(&h, binary.LittleEndian, hdr)
	copy(out, h.Bytes())
	return out
}

// Mach-O section types stored in the low byte of the section flags.
const (
	SectionRegular  = 0x0
	SectionZerofill = 0x1
)

// MachOSection describes a section of a synthetic Mach-O image.
type MachOSection struct {
	Segment string
	Name    string
	Flags   uint32
	Data    []byte // for zerofill sections only the length is used
}

// MachOImage describes a synthetic 64-bit Mach-O executable.
type MachOImage struct {
	Cpu      macho.Cpu // defaults to amd64
	Sections []MachOSection
	Signed   bool   // append an ad-hoc code signature
	CMS      []byte // CMS blob content; makes the signature non-ad-hoc
}

// Code signature constants, see <Kernel/kern/cs_blobs.h>.
const (
	LoadCmdCodeSignature = 0x1d

	csMagicEmbeddedSignature = 0xfade0cc0
	csMagicCodeDirectory     = 0xfade0c02
	csMagicBlobWrapper       = 0xfade0b01
	csSlotCodeDirectory      = 0
	csSlotSignature          = 0x10000
	csHashTypeSHA256         = 2
	csAdhoc                  = 0x2

	// PageSize is the code signing page size used by MachOImage.
	PageSize = 4096
)

type superBlob struct {
	Magic  uint32
	Length uint32
	Count  uint32
}

type blobIndex struct {
	Type   uint32
	Offset uint32
}

type codeDirectory struct {
	Magic         uint32
	Length        uint32
	Version       uint32
	Flags         uint32
	HashOffset    uint32
	IdentOffset   uint32
	NSpecialSlots uint32
	NCodeSlots    uint32
	CodeLimit     uint32
	HashSize      uint8
	HashType      uint8
	Platform      uint8
	PageSize      uint8
	Spare2        uint32
	ScatterOffset uint32
	TeamOffset    uint32
	Spare3        uint32
	CodeLimit64   uint64
	ExecSegBase   uint64
	ExecSegLimit  uint64
	ExecSegFlags  uint64
}

type linkEditData struct {
	Cmd      uint32
	CmdSize  uint32
	DataOff  uint32
	DataSize uint32
}

const identifier = "exetest\x00"

// Bytes renders the image.
func (m MachOImage) Bytes() []byte {
	cpu := m.Cpu
	if cpu == 0 {
		cpu = macho.CpuAmd64
	}
	const headerSize = 32 // mach_header_64
	segSize := binary.Size(macho.Segment64{})
	sectSize := binary.Size(macho.Section64{})

	// group sections by segment, in order of first appearance
	var segNames []string
	bySeg := make(map[string][]MachOSection)
	for _, s := range m.Sections {
		if _, ok := bySeg[s.Segment]; !ok {
			segNames = append(segNames, s.Segment)
		}
		bySeg[s.Segment] = append(bySeg[s.Segment], s)
	}

	ncmd := len(segNames)
	cmdsz := len(segNames)*segSize + len(m.Sections)*sectSize
	if m.Signed {
		ncmd++
		cmdsz += binary.Size(linkEditData{})
	}

	// lay out section contents behind the load commands
	offset := align(headerSize+cmdsz, 16)
	type placed struct {
		hdr  macho.Section64
		data []byte
	}
	var segs []macho.Segment64
	var sects [][]placed
	for _, name := range segNames {
		var ps []placed
		segStart, segEnd := offset, offset
		backed := false
		for _, s := range bySeg[name] {
			h := macho.Section64{
				Addr:  0x100000000 + uint64(offset),
				Size:  uint64(len(s.Data)),
				Align: 4,
				Flags: s.Flags,
			}
			copy(h.Name[:], s.Name)
			copy(h.Seg[:], s.Segment)
			if s.Flags&0xff == SectionZerofill {
				ps = append(ps, placed{hdr: h})
				continue
			}
			offset = align(offset, 16)
			h.Offset = uint32(offset)
			h.Addr = 0x100000000 + uint64(offset)
			ps = append(ps, placed{hdr: h, data: s.Data})
			if !backed {
				segStart, backed = offset, true
			}
			offset += len(s.Data)
			segEnd = offset
		}
		seg := macho.Segment64{
			Cmd:     macho.LoadCmdSegment64,
			Len:     uint32(segSize + len(ps)*sectSize),
			Addr:    0x100000000 + uint64(segStart),
			Memsz:   uint64(segEnd - segStart),
			Offset:  uint64(segStart),
			Filesz:  uint64(segEnd - segStart),
			Maxprot: 3,
			Prot:    3,
			Nsect:   uint32(len(ps)),
		}
		copy(seg.Name[:], name)
		segs = append(segs, seg)
		sects = append(sects, ps)
	}

	codeLimit := align(offset, 16)
	nPages := (codeLimit + PageSize - 1) / PageSize
	cdHeader := binary.Size(codeDirectory{})
	cdLen := cdHeader + len(identifier) + nPages*sha256.Size
	nBlobs := 1
	if m.CMS != nil {
		nBlobs++
	}
	sbHeader := binary.Size(superBlob{}) + nBlobs*binary.Size(blobIndex{})
	sigLen := sbHeader + cdLen
	if m.CMS != nil {
		sigLen += 8 + len(m.CMS)
	}

	var buf bytes.Buffer
	bo := binary.LittleEndian
	_ = binary.Write(&buf, bo, macho.FileHeader{
		Magic:  macho.Magic64,
		Cpu:    cpu,
		SubCpu: 3,
		Type:   macho.TypeExec,
		Ncmd:   uint32(ncmd),
		Cmdsz:  uint32(cmdsz),
	})
	buf.Write(make([]byte, 4)) // reserved
	for i, seg := range segs {
		_ = binary.Write(&buf, bo, seg)
		for _, p := range sects[i] {
			_ = binary.Write(&buf, bo, p.hdr)
		}
	}
	if m.Signed {
		_ = binary.Write(&buf, bo, linkEditData{
			Cmd:      LoadCmdCodeSignature,
			CmdSize:  uint32(binary.Size(linkEditData{})),
			DataOff:  uint32(codeLimit),
			DataSize: uint32(sigLen),
		})
	}
	for _, ps := range sects {
		for _, p := range ps {
			if p.data == nil {
				continue
			}
			buf.Write(make([]byte, int(p.hdr.Offset)-buf.Len()))
			buf.Write(p.data)
		}
	}
	buf.Write(make([]byte, codeLimit-buf.Len()))
	if !m.Signed {
		return buf.Bytes()
	}

	code := buf.Bytes()
	be := binary.BigEndian
	var sig bytes.Buffer
	_ = binary.Write(&sig, be, superBlob{Magic: csMagicEmbeddedSignature, Length: uint32(sigLen), Count: uint32(nBlobs)})
	_ = binary.Write(&sig, be, blobIndex{Type: csSlotCodeDirectory, Offset: uint32(sbHeader)})
	if m.CMS != nil {
		_ = binary.Write(&sig, be, blobIndex{Type: csSlotSignature, Offset: uint32(sbHeader + cdLen)})
	}
	_ = binary.Write(&sig, be, codeDirectory{
		Magic:        csMagicCodeDirectory,
		Length:       uint32(cdLen),
		Version:      0x20400,
		Flags:        csAdhoc,
		HashOffset:   uint32(cdHeader + len(identifier)),
		IdentOffset:  uint32(cdHeader),
		NCodeSlots:   uint32(nPages),
		CodeLimit:    uint32(codeLimit),
		HashSize:     sha256.Size,
		HashType:     csHashTypeSHA256,
		PageSize:     12,
		CodeLimit64:  uint64(codeLimit),
		ExecSegLimit: uint64(codeLimit),
		ExecSegFlags: 1,
	})
	sig.WriteString(identifier)
	for _, h := range PageHashes(code, codeLimit) {
		sig.Write(h[:])
	}
	if m.CMS != nil {
		_ = binary.Write(&sig, be, uint32(csMagicBlobWrapper))
		_ = binary.Write(&sig, be, uint32(8+len(m.CMS)))
		sig.Write(m.CMS)
	}
	return append(code, sig.Bytes()...)
}

// PageHashes returns the SHA-256 hashes of all code signing pages of image[:limit].
func PageHashes(image []byte, limit int) [][sha256.Size]byte {
	var hashes [][sha256.Size]byte
	for start := 0; start < limit; start += PageSize {
		end := start + PageSize
		if end > limit {
			end = limit
		}
		hashes = append(hashes, sha256.Sum256(image[start:end]))
	}
	return hashes
}

// SignatureHashes extracts the code slot hashes and the code limit of the
// first code directory from a signed image built by MachOImage.
func SignatureHashes(image []byte) ([][sha256.Size]byte, int) {
	f, err := macho.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, 0
	}
	for _, l := range f.Loads {
		raw := l.Raw()
		if len(raw) < 16 || binary.LittleEndian.Uint32(raw) != LoadCmdCodeSignature {
			continue
		}
		sig := image[binary.LittleEndian.Uint32(raw[8:]):]
		be := binary.BigEndian
		cd := sig[be.Uint32(sig[16:]):]
		hashOff := be.Uint32(cd[16:])
		hashes := make([][sha256.Size]byte, be.Uint32(cd[28:]))
		for i := range hashes {
			copy(hashes[i][:], cd[int(hashOff)+i*sha256.Size:])
		}
		return hashes, int(be.Uint32(cd[32:]))
	}
	return nil, 0
}

// FatArch is one slice of a universal binary.
type FatArch struct {
	Cpu   macho.Cpu
	Image []byte
}

// Fat combines Mach-O images into a universal binary. Slices are page aligned.
func Fat(arches ...FatArch) []byte {
	const fatAlign = 12
	be := binary.BigEndian

	var buf bytes.Buffer
	_ = binary.Write(&buf, be, uint32(macho.MagicFat))
	_ = binary.Write(&buf, be, uint32(len(arches)))

	offset := align(8+len(arches)*20, 1<<fatAlign)
	for _, a := range arches {
		_ = binary.Write(&buf, be, macho.FatArchHeader{
			Cpu:    a.Cpu,
			SubCpu: 3,
			Offset: uint32(offset),
			Size:   uint32(len(a.Image)),
			Align:  fatAlign,
		})
		offset = align(offset+len(a.Image), 1<<fatAlign)
	}
	for _, a := range arches {
		pad(&buf, 1<<fatAlign)
		buf.Write(a.Image)
	}
	return buf.Bytes()
}

func align(n, a int) int {
	return (n + a - 1) / a * a
}

func pad(buf *bytes.Buffer, a int) {
	buf.Write(make([]byte, align(buf.Len(), a)-buf.Len()))
}

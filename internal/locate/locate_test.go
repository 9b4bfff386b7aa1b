package locate

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"errors"
	"testing"

	"github.com/maja42/enclave/internal/exetest"
	"github.com/maja42/enclave/internal/tag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func join(parts ...[]byte) []byte {
	var b []byte
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

// assertAt verifies that sec points right behind the tag of its region.
func assertAt(t *testing.T, image []byte, sec Section) {
	t.Helper()
	tg := tag.Format(sec.Name, int(sec.Size))
	require.GreaterOrEqual(t, sec.Offset, int64(len(tg)))
	assert.Equal(t, tg, image[sec.Offset-int64(len(tg)):sec.Offset])
	assert.LessOrEqual(t, sec.Offset+sec.Size, int64(len(image)))
}

func TestELF_Locate(t *testing.T) {
	image := exetest.ELF(
		exetest.ReadOnlySection(".rodata", exetest.Filler(100)),
		exetest.DataSection(".noptrdata", join(exetest.Filler(37), exetest.Region("appconfig", 128), exetest.Filler(10))),
		exetest.DataSection(".data", exetest.Filler(64)),
	)

	sec, err := ELF{}.Locate("appconfig", image)
	require.NoError(t, err)
	assert.Equal(t, "appconfig", sec.Name)
	assert.Equal(t, int64(128), sec.Size)
	assert.Equal(t, ".noptrdata", sec.Container)
	assertAt(t, image, sec)
}

func TestELF_Locate_notFound(t *testing.T) {
	image := exetest.ELF(
		exetest.DataSection(".noptrdata", join(exetest.Filler(20), exetest.Region("other", 32))),
	)
	_, err := ELF{}.Locate("appconfig", image)
	assert.ErrorIs(t, err, ErrSectionNotFound)

	var formatErr *FormatError
	assert.False(t, errors.As(err, &formatErr))
}

func TestELF_Locate_ignoresReadOnlyAndNobits(t *testing.T) {
	image := exetest.ELF(
		exetest.ReadOnlySection(".rodata", exetest.Region("appconfig", 32)),
		exetest.ELFSection{Name: ".noptrbss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Data: make([]byte, 64)},
	)
	_, err := ELF{}.Locate("appconfig", image)
	assert.ErrorIs(t, err, ErrSectionNotFound)
}

func TestELF_Locate_malformed(t *testing.T) {
	image := exetest.ELF(exetest.DataSection(".data", exetest.Region("appconfig", 32)))

	for name, img := range map[string][]byte{
		"garbage":   []byte("definitely not an executable"),
		"truncated": image[:40],
		"empty":     nil,
	} {
		_, err := ELF{}.Locate("appconfig", img)
		var formatErr *FormatError
		assert.ErrorAs(t, err, &formatErr, name)
		assert.NotErrorIs(t, err, ErrSectionNotFound, name)
	}
}

func TestELF_Locate_duplicate(t *testing.T) {
	image := exetest.ELF(
		exetest.DataSection(".noptrdata", exetest.Region("appconfig", 32)),
		exetest.DataSection(".data", exetest.Region("appconfig", 32)),
	)
	_, err := ELF{}.Locate("appconfig", image)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, err.Error(), `region "appconfig" is declared 2 times`)
}

func TestELF_Locate_overrun(t *testing.T) {
	image := exetest.ELF(
		exetest.DataSection(".noptrdata", join(tag.Format("appconfig", 64), make([]byte, 10))),
	)
	_, err := ELF{}.Locate("appconfig", image)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, err.Error(), "overruns section .noptrdata")
}

func TestELF_Regions(t *testing.T) {
	image := exetest.ELF(
		exetest.DataSection(".noptrdata", join(exetest.Region("first", 16), exetest.Region("second", 48))),
		exetest.DataSection(".data", join(exetest.Filler(3), exetest.Region("third", 20))),
	)

	secs, err := ELF{}.Regions(image)
	require.NoError(t, err)
	require.Len(t, secs, 3)

	assert.Equal(t, "first", secs[0].Name)
	assert.Equal(t, "second", secs[1].Name)
	assert.Equal(t, int64(48), secs[1].Size)
	assert.Equal(t, "third", secs[2].Name)
	assert.Equal(t, ".data", secs[2].Container)
	for _, sec := range secs {
		assertAt(t, image, sec)
	}
}

func TestELF_Seal(t *testing.T) {
	assert.NoError(t, ELF{}.Seal(nil, Section{}))
}

func machoImage(sections ...exetest.MachOSection) exetest.MachOImage {
	return exetest.MachOImage{
		Sections: append([]exetest.MachOSection{
			{Segment: "__TEXT", Name: "__text", Data: exetest.Filler(300)},
			{Segment: "__TEXT", Name: "__rodata", Data: exetest.Region("appconfig", 32)},
		}, sections...),
	}
}

func TestMachO_Locate(t *testing.T) {
	image := machoImage(
		exetest.MachOSection{Segment: "__DATA", Name: "__noptrdata", Data: join(exetest.Filler(11), exetest.Region("appconfig", 128))},
		exetest.MachOSection{Segment: "__DATA", Name: "__bss", Flags: exetest.SectionZerofill, Data: make([]byte, 512)},
	).Bytes()

	sec, err := MachO{}.Locate("appconfig", image)
	require.NoError(t, err)
	assert.Equal(t, int64(128), sec.Size)
	assert.Equal(t, "__DATA,__noptrdata", sec.Container)
	assertAt(t, image, sec)
}

func TestMachO_Locate_noDataSegment(t *testing.T) {
	image := machoImage().Bytes()

	_, err := MachO{}.Locate("appconfig", image)
	assert.ErrorIs(t, err, ErrSectionNotFound)
	assert.Contains(t, err.Error(), "no __DATA segment")
}

func TestMachO_Locate_notFound(t *testing.T) {
	image := machoImage(
		exetest.MachOSection{Segment: "__DATA", Name: "__data", Data: exetest.Filler(64)},
	).Bytes()

	_, err := MachO{}.Locate("appconfig", image)
	assert.ErrorIs(t, err, ErrSectionNotFound)
}

func TestMachO_Locate_malformed(t *testing.T) {
	_, err := MachO{}.Locate("appconfig", []byte("definitely not an executable"))
	var formatErr *FormatError
	assert.ErrorAs(t, err, &formatErr)
}

func TestMachO_Fat(t *testing.T) {
	slice := func(cpu macho.Cpu, filler int) []byte {
		img := machoImage(
			exetest.MachOSection{Segment: "__DATA", Name: "__noptrdata", Data: join(exetest.Filler(filler), exetest.Region("appconfig", 64))},
		)
		img.Cpu = cpu
		return img.Bytes()
	}
	image := exetest.Fat(
		exetest.FatArch{Cpu: macho.CpuAmd64, Image: slice(macho.CpuAmd64, 10)},
		exetest.FatArch{Cpu: macho.CpuArm64, Image: slice(macho.CpuArm64, 20)},
	)

	amd, err := MachO{Cpu: macho.CpuAmd64}.Locate("appconfig", image)
	require.NoError(t, err)
	assertAt(t, image, amd)

	arm, err := MachO{Cpu: macho.CpuArm64}.Locate("appconfig", image)
	require.NoError(t, err)
	assertAt(t, image, arm)

	assert.Greater(t, arm.Offset, amd.Offset+exetest.PageSize-1, "arm64 slice is stored behind the amd64 slice")

	_, err = MachO{Cpu: macho.CpuPpc64}.Locate("appconfig", image)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, err.Error(), "universal binary has no")
}

func TestMachO_Seal(t *testing.T) {
	img := machoImage(
		exetest.MachOSection{Segment: "__DATA", Name: "__noptrdata", Data: join(exetest.Filler(4000), exetest.Region("appconfig", 256))},
	)
	img.Signed = true
	image := img.Bytes()

	sec, err := MachO{}.Locate("appconfig", image)
	require.NoError(t, err)
	for i := sec.Offset; i < sec.Offset+sec.Size; i++ {
		image[i] = 0xee
	}

	require.NoError(t, MachO{}.Seal(image, sec))
	hashes, limit := exetest.SignatureHashes(image)
	assert.Equal(t, exetest.PageHashes(image, limit), hashes)
}

func TestMachO_Seal_fat(t *testing.T) {
	img := machoImage(
		exetest.MachOSection{Segment: "__DATA", Name: "__noptrdata", Data: join(exetest.Filler(5000), exetest.Region("appconfig", 64))},
	)
	img.Signed = true
	img.Cpu = macho.CpuArm64
	armSlice := img.Bytes()
	img.Cpu = macho.CpuAmd64
	amdSlice := img.Bytes()

	image := exetest.Fat(
		exetest.FatArch{Cpu: macho.CpuAmd64, Image: amdSlice},
		exetest.FatArch{Cpu: macho.CpuArm64, Image: armSlice},
	)
	loc := MachO{Cpu: macho.CpuArm64}
	sec, err := loc.Locate("appconfig", image)
	require.NoError(t, err)
	image[sec.Offset] ^= 0xff

	require.NoError(t, loc.Seal(image, sec))

	ff, err := macho.NewFatFile(bytes.NewReader(image))
	require.NoError(t, err)
	for _, arch := range ff.Arches {
		s := image[arch.Offset : arch.Offset+arch.Size]
		hashes, limit := exetest.SignatureHashes(s)
		assert.Equal(t, exetest.PageHashes(s, limit), hashes, arch.Cpu.String())
	}
}

func TestDetect(t *testing.T) {
	loc, err := Detect(exetest.ELF())
	require.NoError(t, err)
	assert.Equal(t, "elf", loc.Format())

	loc, err = Detect(machoImage().Bytes())
	require.NoError(t, err)
	assert.Equal(t, "mach-o", loc.Format())

	loc, err = Detect(exetest.Fat(exetest.FatArch{Cpu: macho.CpuAmd64, Image: machoImage().Bytes()}))
	require.NoError(t, err)
	assert.Equal(t, "mach-o", loc.Format())

	for _, image := range [][]byte{[]byte("MZ\x90\x00 windows"), []byte("#!/bin/sh\n"), nil} {
		_, err = Detect(image)
		var formatErr *FormatError
		require.ErrorAs(t, err, &formatErr, "%q", image)
		assert.Equal(t, "malformed executable: neither ELF nor Mach-O", err.Error())
		assert.NotErrorIs(t, err, ErrUnsupported)
	}
}

func TestUnsupported(t *testing.T) {
	loc := Unsupported{}
	_, err := loc.Regions(nil)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = loc.Locate("appconfig", nil)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, loc.Seal(nil, Section{}), ErrUnsupported)
}

func TestHost(t *testing.T) {
	assert.NotNil(t, Host())
}

// Package codesign keeps ad-hoc Mach-O code signatures valid after an
// executable was modified in place.
//
// An embedded signature is a SuperBlob referenced by LC_CODE_SIGNATURE. Its
// code directories contain one hash per page of the file. macOS refuses to
// map pages whose hash does not match, so every page touched by a patch
// must be re-hashed. Ad-hoc signatures (as emitted by the Go linker) are not
// signed themselves, which makes updating the page hashes sufficient.
package codesign

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
)

// ErrSigned is returned for executables signed with a real identity.
// Their signature cannot be renewed without the signing key.
var ErrSigned = errors.New("executable is signed with an identity; adjusting it would invalidate the signature")

// See <Kernel/kern/cs_blobs.h>.
const (
	loadCmdCodeSignature = 0x1d

	magicEmbeddedSignature = 0xfade0cc0
	magicCodeDirectory     = 0xfade0c02
	magicBlobWrapper       = 0xfade0b01

	slotCodeDirectory          = 0x0
	slotAlternateCodeDirectory = 0x1000 // up to 5 alternate directories
	slotSignature              = 0x10000

	hashTypeSHA1        = 1
	hashTypeSHA256      = 2
	hashTypeSHA256Trunc = 3
	hashTypeSHA384      = 4

	versionSupportsLimit64 = 0x20300

	superBlobHeaderSize = 12
	blobIndexSize       = 8
	codeDirectoryMin    = 44 // up to and including spare2
)

var be = binary.BigEndian

// Refresh re-hashes the pages of the image overlapping [offset, offset+size).
// Unsigned images are left as they are.
func Refresh(image []byte, offset, size int64) error {
	sig, err := signature(image)
	if err != nil || sig == nil {
		return err
	}

	dirs, err := directories(sig)
	if err != nil {
		return err
	}
	for _, cd := range dirs {
		if err := rehash(image, cd, offset, size); err != nil {
			return err
		}
	}
	return nil
}

// signature returns the embedded signature of image, or nil if there is none.
func signature(image []byte) ([]byte, error) {
	f, err := macho.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	for _, l := range f.Loads {
		raw := l.Raw()
		if len(raw) < 16 || f.ByteOrder.Uint32(raw) != loadCmdCodeSignature {
			continue
		}
		off := int64(f.ByteOrder.Uint32(raw[8:]))
		size := int64(f.ByteOrder.Uint32(raw[12:]))
		if off+size > int64(len(image)) {
			return nil, fmt.Errorf("code signature at %d+%d exceeds the file", off, size)
		}
		return image[off : off+size], nil
	}
	return nil, nil
}

// directories returns all code directories of an embedded signature.
// Each returned slice aliases the image.
func directories(sig []byte) ([][]byte, error) {
	if len(sig) < superBlobHeaderSize || be.Uint32(sig) != magicEmbeddedSignature {
		return nil, errors.New("invalid code signature superblob")
	}
	count := int(be.Uint32(sig[8:]))
	if superBlobHeaderSize+count*blobIndexSize > len(sig) {
		return nil, errors.New("code signature index exceeds the superblob")
	}

	var dirs [][]byte
	for i := 0; i < count; i++ {
		idx := sig[superBlobHeaderSize+i*blobIndexSize:]
		slot, off := be.Uint32(idx), int(be.Uint32(idx[4:]))
		if off+8 > len(sig) {
			return nil, fmt.Errorf("code signature blob %#x exceeds the superblob", slot)
		}
		blob := sig[off:]
		magic, length := be.Uint32(blob), int(be.Uint32(blob[4:]))
		if length < 8 || length > len(blob) {
			return nil, fmt.Errorf("code signature blob %#x has invalid length %d", slot, length)
		}
		blob = blob[:length]

		switch {
		case slot == slotSignature:
			if magic == magicBlobWrapper && length > 8 {
				return nil, ErrSigned
			}
		case slot == slotCodeDirectory, slot >= slotAlternateCodeDirectory && slot < slotAlternateCodeDirectory+5:
			if magic != magicCodeDirectory || length < codeDirectoryMin {
				return nil, fmt.Errorf("invalid code directory in slot %#x", slot)
			}
			dirs = append(dirs, blob)
		}
	}
	return dirs, nil
}

func rehash(image, cd []byte, offset, size int64) error {
	version := be.Uint32(cd[8:])
	hashOffset := int64(be.Uint32(cd[16:]))
	nCodeSlots := int64(be.Uint32(cd[28:]))
	codeLimit := int64(be.Uint32(cd[32:]))
	hashSize := int64(cd[36])
	hashType := cd[37]
	pageShift := cd[39]

	if version >= versionSupportsLimit64 && len(cd) >= 64 {
		if limit64 := be.Uint64(cd[56:]); limit64 != 0 {
			codeLimit = int64(limit64)
		}
	}
	if codeLimit > int64(len(image)) {
		return fmt.Errorf("code limit %d exceeds the file", codeLimit)
	}
	if hashOffset+nCodeSlots*hashSize > int64(len(cd)) {
		return errors.New("code slots exceed the code directory")
	}

	h, err := hasher(hashType)
	if err != nil {
		return err
	}
	if hashSize > int64(h.Size()) {
		return fmt.Errorf("hash size %d exceeds digest size %d", hashSize, h.Size())
	}

	pageSize := codeLimit // a page shift of zero signs the file as a single page
	if pageShift != 0 {
		pageSize = int64(1) << pageShift
	}
	if size <= 0 || pageSize <= 0 || offset >= codeLimit {
		return nil
	}

	first := offset / pageSize
	last := (offset + size - 1) / pageSize
	if last >= nCodeSlots {
		last = nCodeSlots - 1
	}
	for page := first; page <= last; page++ {
		start := page * pageSize
		end := start + pageSize
		if end > codeLimit {
			end = codeLimit
		}
		h.Reset()
		h.Write(image[start:end])
		slot := hashOffset + page*hashSize
		copy(cd[slot:slot+hashSize], h.Sum(nil))
	}
	return nil
}

func hasher(hashType uint8) (hash.Hash, error) {
	switch hashType {
	case hashTypeSHA1:
		return sha1.New(), nil
	case hashTypeSHA256, hashTypeSHA256Trunc:
		return sha256.New(), nil
	case hashTypeSHA384:
		return sha512.New384(), nil
	default:
		return nil, fmt.Errorf("unsupported code signature hash type %d", hashType)
	}
}

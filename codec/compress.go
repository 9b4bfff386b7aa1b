package codec

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the algorithm used by Compressed.
type Compression uint8

const (
	None Compression = iota // None stores serialized bytes as they are.
	Zstd                    // Zstd uses Zstandard compression.
	S2                      // S2 uses S2 (Snappy-compatible) compression.
	LZ4                     // LZ4 uses LZ4 block compression.
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression returns the compression with the given name.
func ParseCompression(name string) (Compression, error) {
	for _, c := range []Compression{None, Zstd, S2, LZ4} {
		if strings.EqualFold(name, c.String()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown compression %q", name)
}

// Compressed wraps inner so that serialized payloads are compressed before
// they are stored. This trades CPU time for region capacity and pays off
// for larger, repetitive configurations.
func Compressed(inner Codec, c Compression) (Codec, error) {
	var comp compressor
	switch c {
	case None:
		return inner, nil
	case Zstd:
		comp = zstdCompressor{}
	case S2:
		comp = s2Compressor{}
	case LZ4:
		comp = lz4Compressor{}
	default:
		return nil, fmt.Errorf("invalid compression: %s", c)
	}
	return &compressedCodec{inner: inner, kind: c, comp: comp}, nil
}

type compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

type compressedCodec struct {
	inner Codec
	kind  Compression
	comp  compressor
}

func (c *compressedCodec) Name() string {
	return c.inner.Name() + "+" + c.kind.String()
}

func (c *compressedCodec) Marshal(v any) ([]byte, error) {
	data, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	compressed, err := c.comp.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("%s compression: %w", c.kind, err)
	}
	return compressed, nil
}

func (c *compressedCodec) Unmarshal(data []byte, v any) error {
	raw, err := c.comp.Decompress(data)
	if err != nil {
		return fmt.Errorf("%s decompression: %w", c.kind, err)
	}
	return c.inner.Unmarshal(raw, v)
}

// zstdDecoderPool pools decoders; klauspost/compress/zstd decoders are built for reuse.
var zstdDecoderPool = sync.Pool{
	New: func() any {
		decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
		}
		return decoder
	},
}

var zstdEncoderPool = sync.Pool{
	New: func() any {
		encoder, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedBestCompression),
			zstd.WithEncoderCRC(false), // the frame checksum covers the payload
		)
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
		}
		return encoder
	},
}

type zstdCompressor struct{}

func (zstdCompressor) Compress(data []byte) ([]byte, error) {
	encoder := zstdEncoderPool.Get().(*zstd.Encoder)
	defer zstdEncoderPool.Put(encoder)
	return encoder.EncodeAll(data, nil), nil
}

func (zstdCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	decoder := zstdDecoderPool.Get().(*zstd.Decoder)
	defer zstdDecoderPool.Put(decoder)
	return decoder.DecodeAll(data, nil)
}

type s2Compressor struct{}

func (s2Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return s2.EncodeBetter(nil, data), nil
}

func (s2Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return s2.Decode(nil, data)
}

var lz4CompressorPool = sync.Pool{
	New: func() any {
		return &lz4.Compressor{}
	},
}

type lz4Compressor struct{}

func (lz4Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(data)))

	lc := lz4CompressorPool.Get().(*lz4.Compressor)
	defer lz4CompressorPool.Put(lc)

	n, err := lc.CompressBlock(data, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// Decompress grows its buffer until the block fits,
// since LZ4 blocks do not record their decompressed size.
func (lz4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	const maxSize = 64 << 20

	for size := len(data) * 4; ; size *= 2 {
		buf := make([]byte, size)
		n, err := lz4.UncompressBlock(data, buf)
		if err == nil {
			return buf[:n], nil
		}
		if !errors.Is(err, lz4.ErrInvalidSourceShortBuffer) || size >= maxSize {
			return nil, err
		}
	}
}

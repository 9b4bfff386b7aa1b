// Package codec serializes payloads stored in reserved regions.
//
// The serialized bytes are what an enclave writes into its region and
// protects with a checksum. Any Codec works as long as the same codec is
// used for writing and reading; changing the codec of a declared region is
// a schema change and surfaces as a decode error on the next start.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Codec converts values to bytes and back.
type Codec interface {
	// Name identifies the codec in error messages.
	Name() string
	// Marshal serializes v.
	Marshal(v any) ([]byte, error)
	// Unmarshal deserializes data into the value pointed to by v.
	Unmarshal(data []byte, v any) error
}

// Default returns the codec used by enclaves if none is configured.
func Default() Codec {
	return Gob()
}

// Gob returns a codec based on encoding/gob.
// Its output is self-describing, which allows added or removed fields
// to be decoded without errors.
func Gob() Codec {
	return gobCodec{}
}

type gobCodec struct{}

func (gobCodec) Name() string { return "gob" }

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// JSON returns a codec based on encoding/json.
func JSON() Codec {
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// YAML returns a codec based on gopkg.in/yaml.v3.
// It is the most verbose codec and mostly useful for regions that are
// inspected or edited by humans via the command line tool.
func YAML() Codec {
	return yamlCodec{}
}

type yamlCodec struct{}

func (yamlCodec) Name() string { return "yaml" }

func (yamlCodec) Marshal(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

func (yamlCodec) Unmarshal(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

// Parse returns the codec with the given name, as reported by Codec.Name.
// Names consist of the serializer ("gob", "json" or "yaml"), optionally
// followed by "+" and a compression, for example "json+zstd".
func Parse(name string) (Codec, error) {
	base, comp, compressed := strings.Cut(name, "+")

	var c Codec
	switch strings.ToLower(base) {
	case "gob":
		c = Gob()
	case "json":
		c = JSON()
	case "yaml":
		c = YAML()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	if !compressed {
		return c, nil
	}
	kind, err := ParseCompression(comp)
	if err != nil {
		return nil, err
	}
	return Compressed(c, kind)
}

// MustParse is like Parse but panics on errors.
func MustParse(name string) Codec {
	c, err := Parse(name)
	if err != nil {
		panic(err)
	}
	return c
}

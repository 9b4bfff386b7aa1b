package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/maja42/enclave/gen"
)

// LoadDeclarations reads a YAML (or JSON) list of region declarations:
//
//	- name: settings
//	  size: 256
//	  type: Settings
//	  codec: json+zstd
func LoadDeclarations(path string) ([]gen.Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open declaration list: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var decls []gen.Declaration
	if err := dec.Decode(&decls); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read declaration list %q: %w", path, err)
	}
	if len(decls) == 0 {
		return nil, fmt.Errorf("declaration list %q contains no regions", path)
	}
	return decls, nil
}

// Package gen generates the Go declarations of reserved regions.
//
// A region must be a statically initialised byte array, so that the
// compiler stores its content within the executable file. Writing such
// arrays by hand is error-prone; Generate renders them from a list of
// declarations.
package gen

import (
	"bytes"
	"errors"
	"fmt"
	"go/token"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/tools/imports"

	"github.com/maja42/enclave/codec"
	"github.com/maja42/enclave/internal/tag"
)

const (
	enclaveImport = "github.com/maja42/enclave"
	codecImport   = "github.com/maja42/enclave/codec"
)

// PrintlnFunc is used for logging the generation progress.
type PrintlnFunc func(format string, args ...any)

// Declaration describes a reserved region and the payload type it stores.
type Declaration struct {
	// Name identifies the region within the executable.
	// It consists of up to 16 ASCII letters, digits or underscores and must not start with a digit.
	Name string `yaml:"name" json:"name"`
	// Size is the region size in bytes. 16 bytes are used by the frame header.
	Size int `yaml:"size" json:"size"`
	// Type is the Go type of the payload, e.g. "Config" or "*cfg.Settings".
	Type string `yaml:"type" json:"type"`
	// Var is the name of the generated enclave variable.
	// Defaults to Name with its first letter in upper case.
	Var string `yaml:"var,omitempty" json:"var,omitempty"`
	// Package is the import path of the package defining Type, if it is not the generated package.
	Package string `yaml:"package,omitempty" json:"package,omitempty"`
	// Codec is the name of the payload codec, e.g. "json+zstd". Defaults to gob.
	Codec string `yaml:"codec,omitempty" json:"codec,omitempty"`
}

// Validate checks the declaration for errors.
func (d Declaration) Validate() error {
	if err := tag.ValidateName(d.Name); err != nil {
		return err
	}
	if err := tag.ValidateSize(d.Size); err != nil {
		return fmt.Errorf("region %q: %w", d.Name, err)
	}
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("region %q: missing payload type", d.Name)
	}
	if v := d.variable(); !token.IsIdentifier(v) {
		return fmt.Errorf("region %q: invalid variable name %q", d.Name, v)
	}
	if d.Codec != "" {
		if _, err := codec.Parse(d.Codec); err != nil {
			return fmt.Errorf("region %q: %w", d.Name, err)
		}
	}
	return nil
}

// variable returns the name of the enclave variable.
func (d Declaration) variable() string {
	if d.Var != "" {
		return d.Var
	}
	r, n := utf8.DecodeRuneInString(d.Name)
	return string(unicode.ToUpper(r)) + d.Name[n:]
}

// regionVariable returns the name of the variable holding the region.
func (d Declaration) regionVariable() string {
	v := d.variable()
	r, n := utf8.DecodeRuneInString(v)
	return string(unicode.ToLower(r)) + v[n:] + "Region"
}

// Generate renders the Go source file declaring the given regions within package pkg.
//
// For every declaration, the file contains the region itself, a constant
// with the region name and an enclave variable providing access to the payload.
//
// logger (optional) is used to report the progress.
func Generate(pkg string, decls []Declaration, logger PrintlnFunc) ([]byte, error) {
	if logger == nil {
		logger = func(string, ...any) {}
	}
	if !token.IsIdentifier(pkg) {
		return nil, fmt.Errorf("invalid package name %q", pkg)
	}
	if len(decls) == 0 {
		return nil, errors.New("no regions declared")
	}
	if err := checkUnique(decls); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "// Code generated by enclave reserve. DO NOT EDIT.\n\npackage %s\n\n", pkg)

	imported := map[string]bool{enclaveImport: true}
	buf.WriteString("import (\n")
	fmt.Fprintf(&buf, "\t%q\n", enclaveImport)
	for _, d := range decls {
		if d.Codec != "" && !imported[codecImport] {
			imported[codecImport] = true
			fmt.Fprintf(&buf, "\t%q\n", codecImport)
		}
		if d.Package != "" && !imported[d.Package] {
			imported[d.Package] = true
			fmt.Fprintf(&buf, "\t%q\n", d.Package)
		}
	}
	buf.WriteString(")\n")

	for _, d := range decls {
		logger("Reserving %q (%d bytes) for %s", d.Name, d.Size, d.Type)
		writeDeclaration(&buf, d)
	}

	src, err := imports.Process("zz_enclave.go", buf.Bytes(), &imports.Options{Comments: true, TabIndent: true, TabWidth: 8, FormatOnly: true})
	if err != nil {
		return nil, fmt.Errorf("format source: %w", err)
	}
	return src, nil
}

func checkUnique(decls []Declaration) error {
	names := make(map[string]bool, len(decls))
	idents := make(map[string]string, 3*len(decls))
	for _, d := range decls {
		if err := d.Validate(); err != nil {
			return err
		}
		if names[d.Name] {
			return fmt.Errorf("region %q is declared twice", d.Name)
		}
		names[d.Name] = true

		for _, ident := range []string{d.variable(), d.variable() + "Section", d.regionVariable()} {
			if other, ok := idents[ident]; ok {
				return fmt.Errorf("regions %q and %q both declare %s", other, d.Name, ident)
			}
			idents[ident] = d.Name
		}
	}
	return nil
}

func writeDeclaration(buf *bytes.Buffer, d Declaration) {
	v, region := d.variable(), d.regionVariable()
	t := tag.Format(d.Name, d.Size)

	fmt.Fprintf(buf, "\n// %sSection is the name of the region storing %s.\n", v, v)
	fmt.Fprintf(buf, "const %sSection = %q\n", v, d.Name)

	fmt.Fprintf(buf, "\n// %s reserves %d bytes for %s.\n", region, d.Size, v)
	fmt.Fprintf(buf, "var %s = [len(%q) + %d]byte{", region, t, d.Size)
	for i, b := range t {
		if i%16 == 0 {
			buf.WriteString("\n\t")
		} else {
			buf.WriteByte(' ')
		}
		buf.WriteString(strconv.QuoteRune(rune(b)))
		buf.WriteByte(',')
	}
	buf.WriteString("\n}\n")

	var opts string
	if d.Codec != "" {
		opts = fmt.Sprintf(", enclave.WithCodec(codec.MustParse(%q))", d.Codec)
	}
	fmt.Fprintf(buf, "\n// %s provides the %s payload embedded into the executable.\n", v, d.Type)
	fmt.Fprintf(buf, "var %s = enclave.MustNew[%s](%s[:]%s)\n", v, d.Type, region, opts)
}

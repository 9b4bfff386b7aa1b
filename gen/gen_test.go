package gen

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"testing"

	"github.com/maja42/enclave/internal/tag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// regionBytes returns the initialiser of the named array variable.
func regionBytes(t *testing.T, f *ast.File, name string) []byte {
	t.Helper()
	for _, decl := range f.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.VAR {
			continue
		}
		for _, spec := range gd.Specs {
			vs := spec.(*ast.ValueSpec)
			if vs.Names[0].Name != name {
				continue
			}
			lit := vs.Values[0].(*ast.CompositeLit)
			var b []byte
			for _, elt := range lit.Elts {
				c, err := strconv.Unquote(elt.(*ast.BasicLit).Value)
				require.NoError(t, err)
				b = append(b, c...)
			}
			return b
		}
	}
	t.Fatalf("variable %s not found", name)
	return nil
}

func TestGenerate(t *testing.T) {
	decls := []Declaration{
		{Name: "settings", Size: 256, Type: "Settings"},
		{Name: "net_cfg", Size: 64, Type: "*netcfg.Config", Var: "network", Package: "example.com/netcfg", Codec: "json+zstd"},
	}

	var logged []string
	src, err := Generate("main", decls, func(format string, args ...any) {
		logged = append(logged, format)
	})
	require.NoError(t, err)
	assert.Len(t, logged, 2)

	code := string(src)
	assert.Contains(t, code, "// Code generated by enclave reserve. DO NOT EDIT.")
	assert.Contains(t, code, `const SettingsSection = "settings"`)
	assert.Contains(t, code, `var Settings = enclave.MustNew[Settings](settingsRegion[:])`)
	assert.Contains(t, code, `const networkSection = "net_cfg"`)
	assert.Contains(t, code, `var network = enclave.MustNew[*netcfg.Config](networkRegion[:], enclave.WithCodec(codec.MustParse("json+zstd")))`)

	f, err := parser.ParseFile(token.NewFileSet(), "zz_enclave.go", src, parser.ParseComments)
	require.NoError(t, err)
	assert.Equal(t, "main", f.Name.Name)

	var paths []string
	for _, imp := range f.Imports {
		paths = append(paths, imp.Path.Value)
	}
	assert.ElementsMatch(t, []string{`"github.com/maja42/enclave"`, `"github.com/maja42/enclave/codec"`, `"example.com/netcfg"`}, paths)

	assert.Equal(t, tag.Format("settings", 256), regionBytes(t, f, "settingsRegion"))
	assert.Equal(t, tag.Format("net_cfg", 64), regionBytes(t, f, "networkRegion"))
}

func TestGenerate_minimalImports(t *testing.T) {
	src, err := Generate("config", []Declaration{{Name: "limits", Size: 32, Type: "int"}}, nil)
	require.NoError(t, err)

	f, err := parser.ParseFile(token.NewFileSet(), "", src, parser.ImportsOnly)
	require.NoError(t, err)
	require.Len(t, f.Imports, 1)
	assert.Equal(t, `"github.com/maja42/enclave"`, f.Imports[0].Path.Value)
}

func TestGenerate_errors(t *testing.T) {
	valid := Declaration{Name: "settings", Size: 64, Type: "Settings"}

	tests := map[string]struct {
		pkg   string
		decls []Declaration
	}{
		"invalid package": {"my-pkg", []Declaration{valid}},
		"no regions":      {"main", nil},
		"invalid region":  {"main", []Declaration{{Name: "1st", Size: 64, Type: "T"}}},
		"duplicate name":  {"main", []Declaration{valid, {Name: "settings", Size: 32, Type: "T", Var: "Other"}}},
		"duplicate var":   {"main", []Declaration{valid, {Name: "other", Size: 32, Type: "T", Var: "Settings"}}},
		"clashing const":  {"main", []Declaration{{Name: "a", Size: 32, Type: "T", Var: "ASection"}, {Name: "b", Size: 32, Type: "T", Var: "A"}}},
	}
	for name, tt := range tests {
		_, err := Generate(tt.pkg, tt.decls, nil)
		assert.Error(t, err, name)
	}
}

func TestDeclaration_Validate(t *testing.T) {
	assert.NoError(t, Declaration{Name: "settings", Size: 16, Type: "Settings"}.Validate())
	assert.NoError(t, Declaration{Name: "_x1", Size: 64, Type: "T", Var: "x", Codec: "yaml+lz4"}.Validate())

	for name, d := range map[string]Declaration{
		"empty name":    {Size: 64, Type: "T"},
		"long name":     {Name: "abcdefghijklmnopq", Size: 64, Type: "T"},
		"bad character": {Name: "set-tings", Size: 64, Type: "T"},
		"small size":    {Name: "settings", Size: 15, Type: "T"},
		"no type":       {Name: "settings", Size: 64, Type: " "},
		"bad var":       {Name: "settings", Size: 64, Type: "T", Var: "my var"},
		"bad codec":     {Name: "settings", Size: 64, Type: "T", Codec: "xml"},
	} {
		assert.Error(t, d.Validate(), name)
	}
}

func TestDeclaration_variables(t *testing.T) {
	d := Declaration{Name: "settings"}
	assert.Equal(t, "Settings", d.variable())
	assert.Equal(t, "settingsRegion", d.regionVariable())

	d.Var = "Cfg"
	assert.Equal(t, "Cfg", d.variable())
	assert.Equal(t, "cfgRegion", d.regionVariable())
}

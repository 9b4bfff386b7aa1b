package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/maja42/enclave/gen"
	"github.com/maja42/enclave/internal/frame"
	"github.com/maja42/enclave/internal/locate"
	"github.com/maja42/enclave/internal/patch"
)

func reserve(args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("reserve", flag.ContinueOnError)
	list := flags.String("f", "enclaves.yaml", "Path to the YAML or JSON file listing the regions to declare")
	pkg := flags.String("pkg", "main", "Package of the generated file")
	out := flags.String("out", "zz_enclave.go", "Path of the generated file, or - for stdout")
	if err := parseFlags(flags, args, "f", "pkg", "out"); err != nil {
		return err
	}

	decls, err := LoadDeclarations(*list)
	if err != nil {
		return err
	}
	logger.Debug("Loaded declarations", zap.String("file", *list), zap.Int("regions", len(decls)))

	src, err := gen.Generate(*pkg, decls, func(format string, args ...any) {
		logger.Sugar().Infof(format, args...)
	})
	if err != nil {
		return err
	}

	if *out == "-" {
		_, err := stdout.Write(src)
		return err
	}
	if err := os.WriteFile(*out, src, 0o644); err != nil {
		return fmt.Errorf("write generated file: %w", err)
	}
	logger.Info("Generated region declarations", zap.String("file", *out))
	return nil
}

func inspect(args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("inspect", flag.ContinueOnError)
	exe := flags.String("exe", "", "Executable to inspect")
	if err := parseFlags(flags, args, "exe"); err != nil {
		return err
	}

	data, loc, err := readExecutable(*exe)
	if err != nil {
		return err
	}
	secs, err := loc.Regions(data)
	if err != nil {
		return err
	}
	logger.Debug("Located regions", zap.String("format", loc.Format()), zap.Int("regions", len(secs)))

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSECTION\tOFFSET\tSIZE\tPAYLOAD\tSTATE")
	for _, sec := range secs {
		region := data[sec.Offset : sec.Offset+sec.Size]
		h, _ := frame.ReadHeader(region)
		fmt.Fprintf(w, "%s\t%s\t%#x\t%d\t%d\t%s\n", sec.Name, sec.Container, sec.Offset, sec.Size, h.Length, state(region))
	}
	return w.Flush()
}

// state describes the content of a region.
func state(region []byte) string {
	h, err := frame.ReadHeader(region)
	if err != nil {
		return "invalid"
	}
	if h.Blank() {
		return "blank"
	}
	if _, err := frame.Decode(region); err != nil {
		return "corrupt"
	}
	return "valid"
}

func dump(args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("dump", flag.ContinueOnError)
	exe := flags.String("exe", "", "Executable containing the region")
	name := flags.String("name", "", "Name of the region")
	out := flags.String("out", "-", "Path of the payload file, or - for stdout")
	if err := parseFlags(flags, args, "exe", "name"); err != nil {
		return err
	}

	data, loc, err := readExecutable(*exe)
	if err != nil {
		return err
	}
	sec, err := loc.Locate(*name, data)
	if err != nil {
		return err
	}
	payload, err := frame.Decode(data[sec.Offset : sec.Offset+sec.Size])
	if err != nil {
		return fmt.Errorf("region %q: %w", *name, err)
	}
	logger.Debug("Read payload", zap.String("region", *name), zap.Int("bytes", len(payload)))

	if *out == "-" {
		if isTerminal(stdout) {
			_, err := io.WriteString(stdout, hex.Dump(payload))
			return err
		}
		_, err := stdout.Write(payload)
		return err
	}
	return os.WriteFile(*out, payload, 0o644)
}

func load(args []string, _ io.Writer) error {
	flags := flag.NewFlagSet("load", flag.ContinueOnError)
	exe := flags.String("exe", "", "Executable containing the region")
	name := flags.String("name", "", "Name of the region")
	in := flags.String("in", "", "Path of the payload file, as written by dump")
	if err := parseFlags(flags, args, "exe", "name", "in"); err != nil {
		return err
	}

	payload, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	n, err := rewrite(*exe, *name, func(size int) ([]byte, error) {
		return frame.Encode(payload, size)
	})
	if err != nil {
		return err
	}
	logger.Info("Stored payload", zap.String("region", *name), zap.Int("bytes", n))
	return nil
}

func reset(args []string, _ io.Writer) error {
	flags := flag.NewFlagSet("reset", flag.ContinueOnError)
	exe := flags.String("exe", "", "Executable containing the region")
	name := flags.String("name", "", "Name of the region")
	if err := parseFlags(flags, args, "exe", "name"); err != nil {
		return err
	}

	if _, err := rewrite(*exe, *name, func(int) ([]byte, error) {
		return frame.Blank(), nil
	}); err != nil {
		return err
	}
	logger.Info("Cleared region", zap.String("region", *name))
	return nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// readExecutable returns the content of an executable and the locator for its format.
func readExecutable(path string) ([]byte, locate.Locator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	loc, err := locate.Detect(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Debug("Read executable", zap.String("path", path), zap.String("format", loc.Format()), zap.Int("bytes", len(data)))
	return data, loc, nil
}

// rewrite atomically replaces the frame of a region within the executable at path.
func rewrite(path, name string, build func(size int) ([]byte, error)) (int, error) {
	f := patch.NewFile(path)
	img, err := f.Read()
	if err != nil {
		return 0, err
	}
	loc, err := locate.Detect(img.Data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	sec, err := loc.Locate(name, img.Data)
	if err != nil {
		return 0, err
	}
	frm, err := build(int(sec.Size))
	if err != nil {
		return 0, err
	}

	n, err := f.Patch(img, sec, frm, func(data []byte) error {
		return loc.Seal(data, sec)
	})
	var patchErr *patch.Error
	if errors.As(err, &patchErr) {
		logger.Debug("Patch failed", zap.String("step", patchErr.Step), zap.String("path", patchErr.Path))
	}
	return n, err
}

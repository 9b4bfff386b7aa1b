// Command enclave declares reserved regions and manages their content
// within built executables.
//
//	enclave reserve -f enclaves.yaml -pkg main -out zz_enclave.go
//	enclave inspect -exe ./app
//	enclave dump    -exe ./app -name settings [-out payload.bin]
//	enclave load    -exe ./app -name settings -in payload.bin
//	enclave reset   -exe ./app -name settings
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// errUsage is returned for invalid command lines; the usage was already printed.
var errUsage = errors.New("invalid usage")

type command struct {
	summary string
	run     func(args []string, stdout io.Writer) error
}

var commands = map[string]command{
	"reserve": {"generate Go declarations of reserved regions", reserve},
	"inspect": {"list the regions of an executable", inspect},
	"dump":    {"write the payload of a region to a file", dump},
	"load":    {"store a raw payload within a region", load},
	"reset":   {"clear a region", reset},
}

func main() {
	err := run(os.Args[1:], os.Stdout, os.Stderr)
	_ = logger.Sync()
	if err != nil {
		if err != errUsage {
			fmt.Fprintf(os.Stderr, "enclave: %s\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("enclave", flag.ContinueOnError)
	flags.SetOutput(stderr)
	verbose := flags.Bool("v", false, "Enable debug logging")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: enclave [-v] <command> [flags]\n\nCommands:\n")
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(stderr, "  %-8s %s\n", name, commands[name].summary)
		}
		fmt.Fprintf(stderr, "\nFlags:\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return errUsage
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return errUsage
	}

	cmd, ok := commands[flags.Arg(0)]
	if !ok {
		flags.Usage()
		return fmt.Errorf("%w: unknown command %q", errUsage, flags.Arg(0))
	}

	l, err := newLogger(*verbose)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	logger = l.With(zap.String("cmd", flags.Arg(0)))

	return cmd.run(flags.Args()[1:], stdout)
}

// parseFlags parses the flags of a command.
// Flags listed in required must be set to a non-empty value.
func parseFlags(flags *flag.FlagSet, args []string, required ...string) error {
	if err := flags.Parse(args); err != nil {
		return errUsage
	}
	var missing []string
	for _, name := range required {
		if f := flags.Lookup(name); f != nil && f.Value.String() == "" {
			missing = append(missing, "-"+name)
		}
	}
	if len(missing) > 0 {
		flags.Usage()
		return fmt.Errorf("%w: missing %s", errUsage, strings.Join(missing, ", "))
	}
	return nil
}

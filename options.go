package enclave

import (
	"errors"

	"github.com/maja42/enclave/codec"
	"github.com/maja42/enclave/internal/locate"
)

// Locator resolves reserved regions within executable images.
type Locator = locate.Locator

// Section is the location of a reserved region within an executable file.
type Section = locate.Section

// Option configures an Enclave.
type Option func(*config) error

type config struct {
	codec      codec.Codec
	executable string
	locator    Locator
}

func newConfig(opts []Option) (config, error) {
	cfg := config{codec: codec.Default()}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, err
		}
	}
	return cfg, nil
}

// WithCodec sets the codec used to serialize the payload.
// The default is codec.Gob().
func WithCodec(c codec.Codec) Option {
	return func(cfg *config) error {
		if c == nil {
			return errors.New("codec must not be nil")
		}
		cfg.codec = c
		return nil
	}
}

// WithExecutable makes Write patch the executable at path
// instead of the one of the running process.
func WithExecutable(path string) Option {
	return func(cfg *config) error {
		if path == "" {
			return errors.New("executable path must not be empty")
		}
		cfg.executable = path
		return nil
	}
}

// WithLocator overrides the container format of patched executables.
// By default, Write uses the format of the build platform and WriteTo
// detects the format from the file's content.
func WithLocator(l Locator) Option {
	return func(cfg *config) error {
		if l == nil {
			return errors.New("locator must not be nil")
		}
		cfg.locator = l
		return nil
	}
}

// Package cfg loads configuration from flag defaults, YAML files and the
// command line, in that order of precedence.
package cfg

import (
	"flag"

	"github.com/pkg/errors"
)

// ConfigFileFlag names the flag listing the YAML files to load.
const ConfigFileFlag = "config.file"

// ExpandEnvFlag names the flag enabling environment variable expansion in
// config files.
const ExpandEnvFlag = "config.expand-env"

// Source is a generic configuration source. This function may do whatever is
// required to obtain the configuration. It is passed a pointer to the
// destination, which will be something compatible to `yaml.Unmarshal`. The
// obtained configuration may be written to this object, it may also contain
// data from previous sources.
type Source func(interface{}) error

// Unmarshal merges the values of the various configuration sources and sets them on
// `dst`. The object must be compatible with `yaml.Unmarshal`.
func Unmarshal(dst interface{}, sources ...Source) error {
	if len(sources) == 0 {
		panic("No sources supplied to cfg.Unmarshal(). This is most likely a programming issue and should never happen. Check the code!")
	}
	for _, source := range sources {
		if err := source(dst); err != nil {
			return errors.Wrap(err, "sourcing")
		}
	}
	return nil
}

// Parse is a higher level wrapper for Unmarshal that registers the flags of
// dst, loads the files named by -config.file and finally applies the flags set
// in args. The flags of dst are registered on fs, whose remaining arguments
// are available after Parse returns. dst must implement flagext.Registerer.
func Parse(dst interface{}, args []string, fs *flag.FlagSet) error {
	return Unmarshal(dst,
		Defaults(fs),
		ConfigFileLoader(args, ConfigFileFlag),
		Flags(args, fs),
	)
}

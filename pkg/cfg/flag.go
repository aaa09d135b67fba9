package cfg

import (
	"flag"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

// Defaults registers the flags of dst on fs. Registering a flag sets its
// default value on dst.
func Defaults(fs *flag.FlagSet) Source {
	return func(dst interface{}) error {
		r, ok := dst.(flagext.Registerer)
		if !ok {
			return errors.Errorf("%T does not implement flagext.Registerer", dst)
		}
		r.RegisterFlags(fs)
		return nil
	}
}

// Flags parses args on fs, setting only user-supplied values on the
// destination passed to Defaults.
func Flags(args []string, fs *flag.FlagSet) Source {
	return dFlags(fs, args)
}

// dFlags parses the flagset, applying all values set on the slice
func dFlags(fs *flag.FlagSet, args []string) Source {
	return func(interface{}) error {
		return fs.Parse(args)
	}
}

package cfg

import (
	"flag"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/drone/envsubst"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// YAML returns a Source that opens the supplied `.yaml` file and loads it.
// When expandEnvVars is true, ${VAR} references in the file are replaced by
// the environment before parsing.
func YAML(f string, expandEnvVars bool) Source {
	return func(dst interface{}) error {
		y, err := os.ReadFile(f)
		if err != nil {
			return errors.Wrap(err, "Error reading config file")
		}
		if expandEnvVars {
			s, err := envsubst.EvalEnv(string(y))
			if err != nil {
				return errors.Wrapf(err, "expanding environment variables in %s", f)
			}
			y = []byte(s)
		}
		if err := dYAML(y)(dst); err != nil {
			return errors.Wrap(err, f)
		}
		return nil
	}
}

// dYAML returns a YAML source and allows dependency injection
func dYAML(y []byte) Source {
	return func(dst interface{}) error {
		return yaml.UnmarshalStrict(y, dst)
	}
}

// ConfigFileLoader loads the files listed by the flag called name in args.
// Files are applied in order, later files overriding earlier ones. A missing
// flag loads nothing.
func ConfigFileLoader(args []string, name string) Source {
	return func(dst interface{}) error {
		// Register on a copy so that parsing out the file names does not
		// change dst.
		r, ok := reflect.New(reflect.Indirect(reflect.ValueOf(dst)).Type()).Interface().(flagext.Registerer)
		if !ok {
			return errors.Errorf("%T does not implement flagext.Registerer", dst)
		}
		fresh := flag.NewFlagSet("config-file-loader", flag.ContinueOnError)
		fresh.SetOutput(io.Discard)
		r.RegisterFlags(fresh)
		if err := fresh.Parse(args); err != nil {
			// Reported by the flag source with usage output.
			return nil
		}

		f := fresh.Lookup(name)
		if f == nil || f.Value.String() == "" {
			return nil
		}
		expandEnv := false
		if ef := fresh.Lookup(ExpandEnvFlag); ef != nil {
			expandEnv = ef.Value.String() == "true"
		}

		for _, file := range strings.Split(f.Value.String(), ",") {
			file = strings.TrimSpace(file)
			if _, err := os.Stat(file); err != nil {
				return fmt.Errorf("%s does not exist, set %s for custom config path", file, name)
			}
			if err := YAML(file, expandEnv)(dst); err != nil {
				return err
			}
		}
		return nil
	}
}

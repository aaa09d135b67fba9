package flagext

import (
	"strings"
)

// ConfigFiles is a repeatable flag listing YAML config files. Each value may
// itself be a comma separated list.
type ConfigFiles []string

// String implements flag.Value
// Format: file1.yaml,file2.yaml
func (cfgFiles *ConfigFiles) String() string {
	return strings.Join(*cfgFiles, ",")
}

// Set implements flag.Value
func (cfgFiles *ConfigFiles) Set(value string) error {
	for _, f := range strings.Split(value, ",") {
		if f = strings.TrimSpace(f); f != "" {
			*cfgFiles = append(*cfgFiles, f)
		}
	}
	return nil
}

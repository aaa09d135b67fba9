// Package metadata resolves document identifiers to mapping plans.
package metadata

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	pkgerrors "github.com/pkg/errors"

	"github.com/grafana/docflow/pkg/engine/program"
)

// ErrNotFound is returned when no plan exists for a document.
var ErrNotFound = errors.New("document plan not found")

// Provider returns the mapping plan of a document. Returned plans are shared
// and must not be modified.
type Provider interface {
	Plan(ctx context.Context, document string) (*program.Plan, error)
}

// ProviderFunc adapts a function to a Provider.
type ProviderFunc func(ctx context.Context, document string) (*program.Plan, error)

// Plan implements Provider.
func (f ProviderFunc) Plan(ctx context.Context, document string) (*program.Plan, error) {
	return f(ctx, document)
}

// Config configures the plan providers.
type Config struct {
	Directory string `yaml:"directory"`
	CacheSize int    `yaml:"cache_size"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Directory, prefix+"directory", "plans", "Directory holding one <document>.yaml mapping plan per document.")
	f.IntVar(&cfg.CacheSize, prefix+"cache-size", 128, "Number of compiled plans kept in memory. 0 disables the cache.")
}

func (cfg *Config) Validate() error {
	if cfg.Directory == "" {
		return errors.New("plan directory must be set")
	}
	if cfg.CacheSize < 0 {
		return fmt.Errorf("invalid plan cache size %d", cfg.CacheSize)
	}
	return nil
}

// New returns the provider described by cfg.
func New(cfg Config, logger log.Logger) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var p Provider = NewFileProvider(cfg.Directory, logger)
	if cfg.CacheSize > 0 {
		return NewCachingProvider(p, cfg.CacheSize)
	}
	return p, nil
}

// FileProvider reads plans from a directory of YAML files named after the
// document they map.
type FileProvider struct {
	dir    string
	logger log.Logger
}

var _ Provider = (*FileProvider)(nil)

func NewFileProvider(dir string, logger log.Logger) *FileProvider {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &FileProvider{dir: dir, logger: logger}
}

// Plan implements Provider.
func (p *FileProvider) Plan(_ context.Context, document string) (*program.Plan, error) {
	if document == "" || strings.ContainsAny(document, `/\`) || document == "." || document == ".." {
		return nil, fmt.Errorf("invalid document name %q", document)
	}

	var (
		data []byte
		path string
		err  error
	)
	for _, ext := range []string{".yaml", ".yml"} {
		path = filepath.Join(p.dir, document+ext)
		data, err = os.ReadFile(path)
		if err == nil || !errors.Is(err, os.ErrNotExist) {
			break
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, document)
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "reading plan of %s", document)
	}

	plan, err := ParsePlan(data)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "loading %s", path)
	}
	if plan.Document == "" {
		plan.Document = document
	}
	level.Debug(p.logger).Log("msg", "loaded document plan", "document", document, "path", path, "programs", len(plan.Programs))
	return plan, nil
}

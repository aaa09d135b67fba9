// Command docflow-render renders one mapped document to stdout.
//
//	docflow-render -config.file=docflow.yaml -sql.dsn=... orders
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v2"

	"github.com/grafana/docflow/pkg/cfg"
	"github.com/grafana/docflow/pkg/document"
	"github.com/grafana/docflow/pkg/engine"
	"github.com/grafana/docflow/pkg/engine/metadata"
	"github.com/grafana/docflow/pkg/engine/query"
	"github.com/grafana/docflow/pkg/engine/query/sqlsource"
	"github.com/grafana/docflow/pkg/util/flagext"
	util_log "github.com/grafana/docflow/pkg/util/log"
)

// Config is the root config of docflow-render.
type Config struct {
	ConfigFiles  flagext.ConfigFiles `yaml:"-"`
	ExpandEnv    bool                `yaml:"-"`
	PrintConfig  bool                `yaml:"-"`
	VerifyConfig bool                `yaml:"-"`

	Encoding string `yaml:"-"`
	Pretty   string `yaml:"-"`

	Log      util_log.Config  `yaml:"log"`
	Engine   engine.Config    `yaml:"engine"`
	Metadata metadata.Config  `yaml:"metadata"`
	SQL      sqlsource.Config `yaml:"sql"`
}

// RegisterFlags registers flag.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.Var(&c.ConfigFiles, cfg.ConfigFileFlag, "Comma separated list of YAML config files to load, later files take precedence.")
	f.BoolVar(&c.ExpandEnv, cfg.ExpandEnvFlag, false, "Expands ${var} or $var in config files according to the values of the environment variables.")
	f.BoolVar(&c.PrintConfig, "print-config-stderr", false, "Dump the entire config object to stderr.")
	f.BoolVar(&c.VerifyConfig, "verify-config", false, "Verify config file and exits.")

	f.StringVar(&c.Encoding, "render.encoding", "", "Encoding of the rendered document, overriding the mapping and the engine default.")
	f.StringVar(&c.Pretty, "render.pretty", "", "Set to true or false to override the formatting mode of the mapping and the engine default.")

	c.Log.RegisterFlags(f)
	c.Engine.RegisterFlags(f)
	c.Metadata.RegisterFlagsWithPrefix("metadata.", f)
	c.SQL.RegisterFlagsWithPrefix("sql.", f)
}

// Validate validates the config.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if err := c.Metadata.Validate(); err != nil {
		return fmt.Errorf("invalid metadata config: %w", err)
	}
	if err := c.SQL.Validate(); err != nil {
		return fmt.Errorf("invalid sql config: %w", err)
	}
	switch c.Pretty {
	case "", "true", "false":
	default:
		return fmt.Errorf("invalid -render.pretty %q: must be true or false", c.Pretty)
	}
	return nil
}

func main() {
	var config Config
	if err := cfg.Parse(&config, os.Args[1:], flag.CommandLine); err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	logger := util_log.InitLogger(config.Log, os.Stderr, prometheus.DefaultRegisterer)

	if err := config.Validate(); err != nil {
		level.Error(logger).Log("msg", "validating config", "err", err.Error())
		os.Exit(1)
	}
	if config.VerifyConfig {
		level.Info(logger).Log("msg", "config is valid")
		os.Exit(0)
	}
	if config.PrintConfig {
		out, err := yaml.Marshal(&config)
		if err != nil {
			level.Error(logger).Log("msg", "failed to print config to stderr", "err", err.Error())
		}
		fmt.Fprintf(os.Stderr, "---\n# docflow-render config\n%s\n", out)
	}

	args := flag.CommandLine.Args()
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <document>\n", os.Args[0])
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, args[0], os.Stdout, prometheus.DefaultRegisterer); err != nil {
		level.Error(logger).Log("msg", "rendering failed", "document", args[0], "err", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, config Config, name string, w io.Writer, reg prometheus.Registerer) error {
	logger := util_log.Logger

	db, err := sqlsource.Open(ctx, config.SQL)
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := metadata.New(config.Metadata, logger)
	if err != nil {
		return err
	}

	e, err := engine.New(engine.Params{
		Logger:     logger,
		Registerer: reg,
		Config:     config.Engine,
		Provider:   provider,
		Source: query.Sources{
			"": sqlsource.New(db, config.SQL.BufferedRows, logger),
		},
	})
	if err != nil {
		return err
	}

	req := engine.Request{Document: name, Encoding: config.Encoding}
	if config.Pretty != "" {
		pretty := config.Pretty == "true"
		req.Pretty = &pretty
	}

	out := bufio.NewWriter(w)
	if err := e.Render(ctx, req, document.NewXMLSink(out)); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out); err != nil {
		return err
	}
	return out.Flush()
}

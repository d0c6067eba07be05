// Package cli provides the Kong-based command-line interface for trafficd.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-trafficctl/config"
	"github.com/frobware/go-trafficctl/logging"
)

// CLI is the root command structure for trafficd.
type CLI struct {
	Config string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log    string `name:"log" help:"Log spec (e.g., 'info,tagging=debug'). Overrides ${log_env}."`

	Serve         ServeCmd         `cmd:"" help:"Run the accounting daemon."`
	Probe         ProbeCmd         `cmd:"" help:"Report eBPF support, mounts and pinned objects."`
	Dump          DumpCmd          `cmd:"" help:"Print the accounting maps."`
	Tag           TagCmd           `cmd:"" help:"Tag a socket of another process."`
	Untag         UntagCmd         `cmd:"" help:"Remove the tag of a socket of another process."`
	SetCounterSet SetCounterSetCmd `cmd:"" name:"set-counter-set" help:"Assign a uid to a counter set."`
	DeleteTagData DeleteTagDataCmd `cmd:"" name:"delete-tag-data" help:"Delete the tags and stats of a uid."`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("trafficd"),
		kong.Description("Per-socket eBPF traffic accounting."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(Tag{}), tagMapper()),
		kong.TypeMapper(reflect.TypeOf(SocketRef{}), socketRefMapper()),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
			"log_env":             logging.EnvVar,
		},
	}
}

// LoadConfig loads and validates the configuration file.
func (c *CLI) LoadConfig() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", c.Config, err)
	}
	return cfg, nil
}

// Logger creates a logger for one-shot commands. They log at warn
// unless --log or the environment says otherwise; the config file's
// level is meant for the daemon.
func (c *CLI) Logger(cfg config.Config) (*slog.Logger, error) {
	return c.logger(cfg, "warn")
}

// LoggerFromConfig creates a logger for the daemon, honouring the
// config file's [logging] section.
func (c *CLI) LoggerFromConfig(cfg config.Config) (*slog.Logger, error) {
	return c.logger(cfg, cfg.Logging.ToSpec())
}

func (c *CLI) logger(cfg config.Config, configSpec string) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		CLISpec:    c.Log,
		EnvSpec:    os.Getenv(logging.EnvVar),
		ConfigSpec: configSpec,
		Format:     format,
		Output:     os.Stderr,
	})
}

// Package config loads the demo server's configuration: environment
// variables first (via go-envconfig), then a YAML override file if one is
// present, with environment values taking precedence.
package config

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config is every knob the demo server exposes.
type Config struct {
	// Interface is the TUN device name to open or create.
	Interface string `env:"TUNTCP_INTERFACE,overwrite,default=tuntcp0" yaml:"interface"`
	// LocalIP is this endpoint's address on the tunnel, dotted-quad.
	LocalIP string `env:"TUNTCP_LOCAL_IP,overwrite,default=10.13.37.1" yaml:"localIP"`
	// MTU bounds the frames read from and written to the device.
	MTU int `env:"TUNTCP_MTU,overwrite,default=1500" yaml:"mtu"`
	// ListenPort is the port the demo echo listener binds.
	ListenPort uint16 `env:"TUNTCP_LISTEN_PORT,overwrite,default=7000" yaml:"listenPort"`
	// PollInterval is the packet worker's device-poll/tick period.
	PollInterval time.Duration `env:"TUNTCP_POLL_INTERVAL,overwrite,default=10ms" yaml:"pollInterval"`
	// LogLevel is a logrus level name.
	LogLevel string `env:"TUNTCP_LOG_LEVEL,overwrite,default=info" yaml:"logLevel"`
}

// Load reads environment variables, then overlays path (if it exists) on
// top, then re-applies environment variables so they always win. This
// mirrors the common envconfig+file layering: the file supplies defaults
// for a deployment, the environment supplies per-instance overrides.
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, errors.Wrap(err, "loading config from environment")
	}

	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, errors.Wrapf(err, "reading config file %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %q", path)
	}
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, errors.Wrap(err, "re-applying environment overrides")
	}
	return &cfg, nil
}

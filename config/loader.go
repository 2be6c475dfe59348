package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conveyorhq/conveyor/internal/errors"
)

const (
	DefaultFilename  = "conveyor"
	DefaultExtension = "yaml"
	DefaultEnvPrefix = "CONVEYOR"
)

// LoadServerConfig reads the server configuration from conveyor.yaml in the
// given directories (current directory when none given), with CONVEYOR_
// prefixed environment variables taking precedence.
func LoadServerConfig(dirPaths ...string) (*ServerConfig, error) {
	v := viper.New()
	v.SetConfigName(DefaultFilename)
	v.SetConfigType(DefaultExtension)

	if len(dirPaths) == 0 {
		dirPaths = []string{"."}
	}
	for _, path := range dirPaths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix(DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// config file is optional, env and defaults are enough to run
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("unable to read conveyor config file: %w", err)
		}
	}

	conf := ServerConfig{}
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("unable to unmarshal conveyor config: %w", err)
	}

	if err := validate(&conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "plain")
	v.SetDefault("serve.port", 9100)
	v.SetDefault("serve.host", "0.0.0.0")
	v.SetDefault("serve.db.min_open_connection", 5)
	v.SetDefault("serve.db.max_open_connection", 20)
	v.SetDefault("scheduler.sweep_interval", time.Minute)
	v.SetDefault("scheduler.reaper_interval", time.Minute)
	v.SetDefault("retention.purge_interval", time.Hour)
	v.SetDefault("retention.terminal_for", 7*24*time.Hour)
}

func validate(conf *ServerConfig) error {
	if conf.Serve.DB.DSN == "" {
		return errors.InvalidArgument("config", "serve.db.dsn is required")
	}
	if conf.Scheduler.SweepInterval <= 0 {
		return errors.InvalidArgument("config", "scheduler.sweep_interval must be positive")
	}
	if conf.Scheduler.ReaperInterval <= 0 {
		return errors.InvalidArgument("config", "scheduler.reaper_interval must be positive")
	}
	if conf.Retention.PurgeInterval <= 0 {
		return errors.InvalidArgument("config", "retention.purge_interval must be positive")
	}
	return nil
}

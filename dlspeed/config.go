package dlspeed

import (
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "DLSPEED"

var defaultTargets = []string{"100k.dat", "200k.dat", "10M.dat", "0.dat"}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type ServeConfig struct {
	ListenAddr string `mapstructure:"listen-addr"`
	LogDir     string `mapstructure:"log-dir"`
}

type Config struct {
	RepeatCount     int           `mapstructure:"repeat-count"`
	Targets         []string      `mapstructure:"targets"`
	BaseURL         string        `mapstructure:"base-url"`
	SinkURL         string        `mapstructure:"sink-url"`
	TransferTimeout time.Duration `mapstructure:"transfer-timeout"`
	IP4             bool          `mapstructure:"ip4"`
	IP6             bool          `mapstructure:"ip6"`
	Log             LogConfig     `mapstructure:"log"`
	Serve           ServeConfig   `mapstructure:"serve"`
}

// NewViper returns a viper instance carrying the defaults and environment bindings.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("repeat-count", 3)
	v.SetDefault("targets", defaultTargets)
	v.SetDefault("base-url", "http://localhost:8080/files/")
	v.SetDefault("sink-url", "http://localhost:8080/writer")
	v.SetDefault("transfer-timeout", 60*time.Second)
	v.SetDefault("ip4", false)
	v.SetDefault("ip6", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
	v.SetDefault("serve.listen-addr", ":8080")
	v.SetDefault("serve.log-dir", "./logs")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	return v
}

// LoadConfig reads configPath, if given, and unmarshals the merged configuration.
func LoadConfig(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		path, err := homedir.Expand(configPath)
		if err != nil {
			return nil, errors.Wrap(err, "cannot expand config path")
		}

		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "cannot read config")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal config")
	}

	logDir, err := homedir.Expand(config.Serve.LogDir)
	if err != nil {
		return nil, errors.Wrap(err, "cannot expand log dir")
	}
	config.Serve.LogDir = logDir

	if config.RepeatCount < 1 {
		return nil, errors.Errorf("repeat-count must be at least 1, got %d", config.RepeatCount)
	}
	if len(config.Targets) == 0 {
		return nil, errors.New("targets must not be empty")
	}
	if config.TransferTimeout < 0 {
		return nil, errors.Errorf("transfer-timeout must not be negative, got %s", config.TransferTimeout)
	}

	return &config, nil
}

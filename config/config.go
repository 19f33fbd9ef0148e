// transferd/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port       string   `mapstructure:"PORT"`
	AuthEnable bool     `mapstructure:"AUTH_ENABLE"`
	AuthKey    string   `mapstructure:"AUTH_KEY"`
	SudoUsers  []string `mapstructure:"SUDO_USERS"`

	MaxActive         int `mapstructure:"MAX_ACTIVE"`
	MaxActivePerOwner int `mapstructure:"MAX_ACTIVE_PER_OWNER"`
	MaxQueuedPerOwner int `mapstructure:"MAX_QUEUED_PER_OWNER"`

	StatusInterval    time.Duration `mapstructure:"STATUS_INTERVAL"`
	StatusMaxInterval time.Duration `mapstructure:"STATUS_MAX_INTERVAL"`
	MessageLimit      int           `mapstructure:"MESSAGE_LIMIT"`

	DataDir     string `mapstructure:"DATA_DIR"`
	DownloadDir string `mapstructure:"DOWNLOAD_DIR"`

	Aria2RPCURL       string        `mapstructure:"ARIA2_RPC_URL"`
	Aria2Secret       string        `mapstructure:"ARIA2_SECRET"`
	Aria2PollInterval time.Duration `mapstructure:"ARIA2_POLL_INTERVAL"`

	RcloneBin   string `mapstructure:"RCLONE_BIN"`
	RcloneFlags string `mapstructure:"RCLONE_FLAGS"`

	WebhookURL string `mapstructure:"WEBHOOK_URL"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`
}

// IsSudo reports whether the given requester id is in the configured sudo list.
func (c *Config) IsSudo(requester string) bool {
	for _, u := range c.SudoUsers {
		if u == requester {
			return true
		}
	}
	return false
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to time.Duration.
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		// It is a string -> time.Duration. Parse it.
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to int64s for byte sizes.
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("SUDO_USERS", []string{})
	vp.SetDefault("MAX_ACTIVE", 4)
	vp.SetDefault("MAX_ACTIVE_PER_OWNER", 2)
	vp.SetDefault("MAX_QUEUED_PER_OWNER", 8)
	vp.SetDefault("STATUS_INTERVAL", "5s")
	vp.SetDefault("STATUS_MAX_INTERVAL", "1m")
	vp.SetDefault("MESSAGE_LIMIT", 4000)
	vp.SetDefault("DATA_DIR", "./data")
	vp.SetDefault("DOWNLOAD_DIR", "./downloads")
	vp.SetDefault("ARIA2_RPC_URL", "http://localhost:6800/jsonrpc")
	vp.SetDefault("ARIA2_SECRET", "")
	vp.SetDefault("ARIA2_POLL_INTERVAL", "2s")
	vp.SetDefault("RCLONE_BIN", "rclone")
	vp.SetDefault("RCLONE_FLAGS", "")
	vp.SetDefault("WEBHOOK_URL", "")
	vp.SetDefault("THROTTLE_CPU", 10.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "1GB")

	// Load from config file
	vp.SetConfigName("transferd_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/transferd/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("TRANSFERD")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// Unmarshal the config, providing our custom composed hooks.
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

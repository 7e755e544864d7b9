package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	ServerAddr string `mapstructure:"server_addr"`
	DataDir    string `mapstructure:"data_dir"`
	UploadDir  string `mapstructure:"upload_dir"`
	JWTSecret  string `mapstructure:"jwt_secret"`
}

// Load reads configuration from CHATTER_-prefixed environment variables,
// falling back to development defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("chatter")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_addr", ":8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("upload_dir", "./uploads")
	v.SetDefault("jwt_secret", "chatter-secret-key-change-in-production")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

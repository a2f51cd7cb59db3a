package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env             string        `yaml:"env" env-default:"local"`
	TokenTTL        time.Duration `yaml:"token_ttl" env-default:"15m"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env-default:"720h"`
	AppSecret       string        `yaml:"app_secret" env:"APP_SECRET" env-required:"true"`
	RefreshPepper   string        `yaml:"refresh_pepper" env:"REFRESH_PEPPER"`
	Storage         StorageConfig `yaml:"storage"`
	HTTP            HTTPConfig    `yaml:"http"`
}

type StorageConfig struct {
	// Backend selects the storage implementation: "sqlite" or "mongo".
	Backend string      `yaml:"backend" env-default:"sqlite"`
	Path    string      `yaml:"path"`
	Mongo   MongoConfig `yaml:"mongo"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" env:"MONGO_URI"`
	Database string `yaml:"database"`
}

type HTTPConfig struct {
	Port    int           `yaml:"port" env-default:"8080"`
	Timeout time.Duration `yaml:"timeout" env-default:"10s"`
}

func LoadConfig(path string) *Config {
	var cfg Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found: " + path)
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk form of a ConnectionConfig. Zero fields are left to the
// environment and defaults.
type FileConfig struct {
	Host     string   `toml:"host" yaml:"host"`
	Port     int      `toml:"port" yaml:"port"`
	Protocol string   `toml:"protocol" yaml:"protocol"`
	APIToken string   `toml:"api_token" yaml:"api_token"`
	Timeout  Duration `toml:"timeout" yaml:"timeout"`
	PoolSize int      `toml:"pool_size" yaml:"pool_size"`
}

// Duration wraps time.Duration so files can say "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// LoadFile reads a TOML or YAML file, chosen by extension (.yaml/.yml, anything else TOML).
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig

	content, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &fc)
	default:
		err = toml.Unmarshal(content, &fc)
	}
	if err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Default returns the configuration written when no file exists yet.
func Default() *Config {
	return &Config{
		Name: "server",
		Listen: Listen{
			IP:   AnyAddress,
			Port: ListenPort,
		},
		Peers: map[string]PeerAddress{
			"name": {
				IP:   "127.0.0.1",
				Port: ListenPort,
			},
		},
	}
}

// Seed writes Default to path if no file exists there yet. It is meant to
// run once at startup; reloads go through LoadFile, which never seeds.
func Seed(path string) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		err = fmt.Errorf("failed to stat config %s, err=%w", path, err)
		zap.S().Warnf("%s", err.Error())
		return err
	}

	zap.S().Infof("config %s not found, writing defaults", path)
	return WriteFile(path, Default())
}

// LoadFile reads and validates the YAML configuration at path. A missing file
// is an error.
func LoadFile(path string) (*Config, error) {
	log := zap.S()

	buf, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("failed to read config %s, err=%w", path, err)
		log.Warnf("%s", err.Error())
		return nil, err
	}

	c, err := Parse(buf)
	if err != nil {
		err = fmt.Errorf("config %s: %w", path, err)
		log.Warnf("%s", err.Error())
		return nil, err
	}

	return c, nil
}

// Parse decodes and validates a YAML document.
func Parse(buf []byte) (*Config, error) {
	c := new(Config)
	err := yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("failed to parse yaml, err=%w", err)
	}

	err = c.Validate()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func WriteFile(path string, c *Config) error {
	buf, err := yaml.Marshal(c)
	if err != nil {
		err = fmt.Errorf("failed to marshal config, err=%w", err)
		zap.S().Warnf("%s", err.Error())
		return err
	}

	err = os.WriteFile(path, buf, 0o644)
	if err != nil {
		err = fmt.Errorf("failed to write config %s, err=%w", path, err)
		zap.S().Warnf("%s", err.Error())
		return err
	}

	return nil
}

package config

import (
	"github.com/kelseyhightower/envconfig"
)

// Env holds process level settings read from RELAY_* variables. Command line
// flags take precedence over these.
type Env struct {
	Config         string `envconfig:"CONFIG" default:"relay.yaml"`
	LogDebug       bool   `envconfig:"LOG_DEBUG" default:"false"`
	Watch          bool   `envconfig:"WATCH" default:"false"`
	MetricsAddress string `envconfig:"METRICS_ADDRESS"`
}

func LoadEnv() (Env, error) {
	var e Env
	err := envconfig.Process("relay", &e)
	return e, err
}

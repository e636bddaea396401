package main

import (
	"encoding/json"
	"os"

	"github.com/tailscale/hujson"
)

// config is the server's optional HuJSON configuration. Comments and
// trailing commas welcome.
type config struct {
	Port int `json:"port"`
}

// loadConfig reads a HuJSON config file, or just returns the defaults when
// no path is given.
func loadConfig(path string) (cfg config, err error) {
	cfg.Port = 80
	if path == "" {
		return
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if b, err = hujson.Standardize(b); err != nil {
		return
	}
	err = json.Unmarshal(b, &cfg)
	return
}

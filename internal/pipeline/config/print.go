// Package config provides CLI helpers.
package config

import (
	"errors"
	"io"
	"strconv"

	"lprpipeline/internal/pipeline/core"

	"gopkg.in/yaml.v3"
)

const masked = "********"

// PrintConfig writes the config to the writer as YAML with secrets masked.
func PrintConfig(w io.Writer, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if w == nil {
		return errors.New("writer is required")
	}
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(newConfigSnapshot(cfg)); err != nil {
		return err
	}
	return encoder.Close()
}

func newConfigSnapshot(cfg *Config) Config {
	snapshot := *cfg
	snapshot.Auth.AdminToken = mask(cfg.Auth.AdminToken)
	snapshot.SMS.AuthToken = mask(cfg.SMS.AuthToken)
	snapshot.MQTT.Password = mask(cfg.MQTT.Password)
	if len(cfg.Auth.ObserverTokens) > 0 {
		tokens := make(map[string]core.Identity, len(cfg.Auth.ObserverTokens))
		i := 0
		for _, identity := range cfg.Auth.ObserverTokens {
			i++
			tokens[masked+"-"+strconv.Itoa(i)] = identity
		}
		snapshot.Auth.ObserverTokens = tokens
	}
	return snapshot
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return masked
}

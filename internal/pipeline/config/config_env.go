// Package config provides environment config overrides.
package config

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

func applyEnvOverrides(cfg *Config, environ []string) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	values := envMap(environ)
	if value, ok := values["LPR_LOG_LEVEL"]; ok {
		cfg.LogLevel = value
	}
	if value, ok := values["LPR_DRAIN_TIMEOUT_MS"]; ok {
		parsed, err := parseIntEnv("LPR_DRAIN_TIMEOUT_MS", value)
		if err != nil {
			return err
		}
		cfg.DrainTimeout = time.Duration(parsed) * time.Millisecond
	}
	if value, ok := values["LPR_ENABLE_HTTP"]; ok {
		parsed, err := parseBoolEnv("LPR_ENABLE_HTTP", value)
		if err != nil {
			return err
		}
		cfg.HTTP.Enable = parsed
	}
	if value, ok := values["LPR_HTTP_ADDR"]; ok {
		cfg.HTTP.Addr = value
	}
	if value, ok := values["LPR_ENABLE_GRPC"]; ok {
		parsed, err := parseBoolEnv("LPR_ENABLE_GRPC", value)
		if err != nil {
			return err
		}
		cfg.GRPC.Enable = parsed
	}
	if value, ok := values["LPR_GRPC_ADDR"]; ok {
		cfg.GRPC.Addr = value
	}
	if value, ok := values["LPR_ENABLE_AUTH"]; ok {
		parsed, err := parseBoolEnv("LPR_ENABLE_AUTH", value)
		if err != nil {
			return err
		}
		cfg.Auth.Enable = parsed
	}
	if value, ok := values["LPR_ADMIN_TOKEN"]; ok {
		cfg.Auth.AdminToken = value
	}
	if value, ok := values["LPR_ENABLE_MQTT"]; ok {
		parsed, err := parseBoolEnv("LPR_ENABLE_MQTT", value)
		if err != nil {
			return err
		}
		cfg.MQTT.Enable = parsed
	}
	if value, ok := values["LPR_MQTT_BROKER"]; ok {
		cfg.MQTT.Broker = value
	}
	if value, ok := values["LPR_MQTT_USERNAME"]; ok {
		cfg.MQTT.Username = value
	}
	if value, ok := values["LPR_MQTT_PASSWORD"]; ok {
		cfg.MQTT.Password = value
	}
	if value, ok := values["LPR_MQTT_TOPIC_PREFIX"]; ok {
		cfg.MQTT.TopicPrefix = value
	}
	if value, ok := values["LPR_ENABLE_KAFKA"]; ok {
		parsed, err := parseBoolEnv("LPR_ENABLE_KAFKA", value)
		if err != nil {
			return err
		}
		cfg.Kafka.Enable = parsed
	}
	if value, ok := values["LPR_KAFKA_BROKERS"]; ok {
		cfg.Kafka.Brokers = splitList(value)
	}
	if value, ok := values["LPR_KAFKA_TOPIC"]; ok {
		cfg.Kafka.Topic = value
	}
	if value, ok := values["LPR_KAFKA_GROUP"]; ok {
		cfg.Kafka.Group = value
	}
	if value, ok := values["LPR_INFERENCE_TIMEOUT_MS"]; ok {
		parsed, err := parseIntEnv("LPR_INFERENCE_TIMEOUT_MS", value)
		if err != nil {
			return err
		}
		cfg.Inference.InferenceTimeout = time.Duration(parsed) * time.Millisecond
	}
	if value, ok := values["LPR_WARMUP_TIMEOUT_MS"]; ok {
		parsed, err := parseIntEnv("LPR_WARMUP_TIMEOUT_MS", value)
		if err != nil {
			return err
		}
		cfg.Inference.WarmupTimeout = time.Duration(parsed) * time.Millisecond
	}
	if value, ok := values["LPR_SMS_PROVIDER"]; ok {
		cfg.SMS.Provider = strings.ToLower(strings.TrimSpace(value))
	}
	if value, ok := firstEnv(values, "LPR_TWILIO_ACCOUNT_SID", "TWILIO_ACCOUNT_SID"); ok {
		cfg.SMS.AccountSID = value
	}
	if value, ok := firstEnv(values, "LPR_TWILIO_AUTH_TOKEN", "TWILIO_AUTH_TOKEN"); ok {
		cfg.SMS.AuthToken = value
	}
	if value, ok := firstEnv(values, "LPR_TWILIO_FROM", "TWILIO_PHONE_NUMBER"); ok {
		cfg.SMS.From = value
	}
	if value, ok := values["LPR_BREAKER_FAILURE_THRESHOLD"]; ok {
		parsed, err := parseIntEnv("LPR_BREAKER_FAILURE_THRESHOLD", value)
		if err != nil {
			return err
		}
		cfg.SMS.Breaker.FailureThreshold = parsed
	}
	if value, ok := values["LPR_BREAKER_OPEN_MS"]; ok {
		parsed, err := parseIntEnv("LPR_BREAKER_OPEN_MS", value)
		if err != nil {
			return err
		}
		cfg.SMS.Breaker.OpenDuration = time.Duration(parsed) * time.Millisecond
	}
	return nil
}

func envMap(environ []string) map[string]string {
	values := make(map[string]string)
	for _, entry := range environ {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[key] = parts[1]
	}
	return values
}

func firstEnv(values map[string]string, names ...string) (string, bool) {
	for _, name := range names {
		if value, ok := values[name]; ok {
			return value, true
		}
	}
	return "", false
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBoolEnv(name, value string) (bool, error) {
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, errors.New("invalid env value for " + name)
	}
	return parsed, nil
}

func parseIntEnv(name, value string) (int64, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, errors.New("invalid env value for " + name)
	}
	return parsed, nil
}

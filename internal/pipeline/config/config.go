// Package config provides configuration for the application wiring.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lprpipeline/internal/pipeline/core"
)

// SMS provider names.
const (
	ProviderMock   = "mock"
	ProviderTwilio = "twilio"
)

// Config captures runtime settings for every component.
type Config struct {
	LogLevel     string                 `yaml:"log_level"`
	DrainTimeout time.Duration          `yaml:"drain_timeout"`
	HTTP         HTTPConfig             `yaml:"http"`
	Auth         AuthConfig             `yaml:"auth"`
	GRPC         GRPCConfig             `yaml:"grpc"`
	MQTT         MQTTConfig             `yaml:"mqtt"`
	Kafka        KafkaConfig            `yaml:"kafka"`
	Inference    InferenceConfig        `yaml:"inference"`
	Limiter      LimiterConfig          `yaml:"limiter"`
	Policies     []core.RateLimitPolicy `yaml:"policies"`
	Hub          HubConfig              `yaml:"hub"`
	SMS          SMSConfig              `yaml:"sms"`
	Attempts     AttemptsConfig         `yaml:"attempts"`
	Health       HealthConfig           `yaml:"health"`
	Pipeline     PipelineConfig         `yaml:"pipeline"`
	Watchlist    []core.RegisteredPlate `yaml:"watchlist"`
}

// HTTPConfig configures the HTTP and websocket transport.
type HTTPConfig struct {
	Enable         bool          `yaml:"enable"`
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

// AuthConfig configures admin and observer credentials.
type AuthConfig struct {
	Enable         bool                     `yaml:"enable"`
	AdminToken     string                   `yaml:"admin_token"`
	ObserverTokens map[string]core.Identity `yaml:"observer_tokens"`
}

// GRPCConfig configures the gRPC transport.
type GRPCConfig struct {
	Enable    bool          `yaml:"enable"`
	Addr      string        `yaml:"addr"`
	KeepAlive time.Duration `yaml:"keepalive"`
}

// MQTTConfig configures the MQTT event sink.
type MQTTConfig struct {
	Enable         bool          `yaml:"enable"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	Retain         bool          `yaml:"retain"`
	Encoding       string        `yaml:"encoding"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// KafkaConfig configures the frame ingest consumer.
type KafkaConfig struct {
	Enable       bool          `yaml:"enable"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Group        string        `yaml:"group"`
	FrameTimeout time.Duration `yaml:"frame_timeout"`
}

// InferenceConfig configures the inference queue and simulated backend.
type InferenceConfig struct {
	WarmupTimeout    time.Duration   `yaml:"warmup_timeout"`
	InferenceTimeout time.Duration   `yaml:"inference_timeout"`
	Simulated        SimulatedConfig `yaml:"simulated"`
}

// SimulatedConfig tunes the simulated vision backend.
type SimulatedConfig struct {
	LoadDelay        time.Duration `yaml:"load_delay"`
	MinLatency       time.Duration `yaml:"min_latency"`
	MaxLatency       time.Duration `yaml:"max_latency"`
	AttributeLatency time.Duration `yaml:"attribute_latency"`
	HitRate          float64       `yaml:"hit_rate"`
	Seed             int64         `yaml:"seed"`
}

// LimiterConfig sizes the rate limiter key space.
type LimiterConfig struct {
	Shards          int `yaml:"shards"`
	MaxKeysPerShard int `yaml:"max_keys_per_shard"`
}

// HubConfig configures the broadcast hub.
type HubConfig struct {
	OutboxSize         int               `yaml:"outbox_size"`
	DeliveryTimeout    time.Duration     `yaml:"delivery_timeout"`
	ChannelPermissions map[string]string `yaml:"channel_permissions"`
}

// SMSConfig configures the notification dispatcher and its provider.
type SMSConfig struct {
	Provider      string         `yaml:"provider"`
	Timeout       time.Duration  `yaml:"timeout"`
	AccountSID    string         `yaml:"account_sid"`
	AuthToken     string         `yaml:"auth_token"`
	From          string         `yaml:"from"`
	BaseURL       string         `yaml:"base_url"`
	RatePerSecond float64        `yaml:"rate_per_second"`
	Burst         int            `yaml:"burst"`
	Breaker       BreakerConfig  `yaml:"breaker"`
	Templates     core.Templates `yaml:"templates"`
}

// BreakerConfig configures the provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int64         `yaml:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
	HalfOpenMaxCalls int64         `yaml:"half_open_max_calls"`
}

// AttemptsConfig configures the attempt log and its publisher.
type AttemptsConfig struct {
	Capacity        int           `yaml:"capacity"`
	Channel         string        `yaml:"channel"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	Batch           int           `yaml:"batch"`
}

// HealthConfig configures the operating mode monitor.
type HealthConfig struct {
	Interval        time.Duration `yaml:"interval"`
	BacklogDegraded int           `yaml:"backlog_degraded"`
	ColdGrace       time.Duration `yaml:"cold_grace"`
}

// PipelineConfig tunes detection handling.
type PipelineConfig struct {
	MinConfidence float64 `yaml:"min_confidence"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		DrainTimeout: 5 * time.Second,
		HTTP: HTTPConfig{
			Enable:         true,
			Addr:           ":8080",
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    60 * time.Second,
			RequestTimeout: 10 * time.Second,
			MaxBodyBytes:   10 << 20,
		},
		GRPC: GRPCConfig{
			Addr:      ":9090",
			KeepAlive: 60 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:       "lprpipeline",
			TopicPrefix:    "lpr",
			QoS:            1,
			Encoding:       "json",
			ConnectTimeout: 10 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic:        "lpr.frames",
			Group:        "lprpipeline",
			FrameTimeout: 10 * time.Second,
		},
		Inference: InferenceConfig{
			WarmupTimeout:    30 * time.Second,
			InferenceTimeout: 5 * time.Second,
			Simulated: SimulatedConfig{
				LoadDelay:        2 * time.Second,
				MinLatency:       100 * time.Millisecond,
				MaxLatency:       300 * time.Millisecond,
				AttributeLatency: 50 * time.Millisecond,
				HitRate:          0.3,
			},
		},
		Limiter:  LimiterConfig{Shards: 16, MaxKeysPerShard: 4096},
		Policies: core.DefaultPolicies(),
		Hub: HubConfig{
			OutboxSize:         64,
			DeliveryTimeout:    5 * time.Second,
			ChannelPermissions: core.DefaultChannelPermissions(),
		},
		SMS: SMSConfig{
			Provider:      ProviderMock,
			Timeout:       10 * time.Second,
			RatePerSecond: 1,
			Burst:         1,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				OpenDuration:     30 * time.Second,
				HalfOpenMaxCalls: 1,
			},
		},
		Attempts: AttemptsConfig{
			Capacity:        10000,
			Channel:         "ops",
			PublishInterval: 500 * time.Millisecond,
			Batch:           100,
		},
		Health: HealthConfig{
			Interval:        time.Second,
			BacklogDegraded: 100,
			ColdGrace:       time.Minute,
		},
		Pipeline: PipelineConfig{MinConfidence: 0},
	}
}

// Validate rejects settings the application cannot start with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.HTTP.Enable && c.HTTP.Addr == "" {
		return errors.New("http listen address is required")
	}
	if c.GRPC.Enable && c.GRPC.Addr == "" {
		return errors.New("grpc listen address is required")
	}
	if c.Auth.Enable && c.Auth.AdminToken == "" {
		return errors.New("admin token is required when auth is enabled")
	}
	for name, value := range map[string]time.Duration{
		"drain_timeout":               c.DrainTimeout,
		"http.read_timeout":           c.HTTP.ReadTimeout,
		"http.write_timeout":          c.HTTP.WriteTimeout,
		"http.idle_timeout":           c.HTTP.IdleTimeout,
		"http.request_timeout":        c.HTTP.RequestTimeout,
		"grpc.keepalive":              c.GRPC.KeepAlive,
		"inference.warmup_timeout":    c.Inference.WarmupTimeout,
		"inference.inference_timeout": c.Inference.InferenceTimeout,
		"hub.delivery_timeout":        c.Hub.DeliveryTimeout,
		"sms.timeout":                 c.SMS.Timeout,
		"health.interval":             c.Health.Interval,
	} {
		if value < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.MQTT.Enable {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt broker is required")
		}
		if c.MQTT.QoS > 2 {
			return errors.New("mqtt qos must be 0, 1 or 2")
		}
	}
	if c.Kafka.Enable {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers are required")
		}
		if c.Kafka.Topic == "" {
			return errors.New("kafka topic is required")
		}
	}
	switch strings.ToLower(c.SMS.Provider) {
	case "", ProviderMock:
	case ProviderTwilio:
		if c.SMS.AccountSID == "" || c.SMS.AuthToken == "" || c.SMS.From == "" {
			return errors.New("twilio account sid, auth token and from number are required")
		}
	default:
		return fmt.Errorf("unknown sms provider %q", c.SMS.Provider)
	}
	hit := c.Inference.Simulated.HitRate
	if hit < 0 || hit > 1 {
		return errors.New("inference.simulated.hit_rate must be within [0, 1]")
	}
	if c.Pipeline.MinConfidence < 0 || c.Pipeline.MinConfidence > 1 {
		return errors.New("pipeline.min_confidence must be within [0, 1]")
	}
	for i := range c.Policies {
		if err := c.Policies[i].Validate(); err != nil {
			return err
		}
	}
	for _, plate := range c.Watchlist {
		if core.NormalizePlate(plate.Plate) == "" {
			return errors.New("watchlist entry without plate")
		}
	}
	return nil
}

// Policy returns the named policy from the config.
func (c *Config) Policy(name string) (core.RateLimitPolicy, bool) {
	for _, policy := range c.Policies {
		if policy.Name == name {
			return policy, true
		}
	}
	return core.RateLimitPolicy{}, false
}

func mergePolicies(base, overrides []core.RateLimitPolicy) []core.RateLimitPolicy {
	merged := make([]core.RateLimitPolicy, 0, len(base)+len(overrides))
	merged = append(merged, base...)
	for _, override := range overrides {
		replaced := false
		for i := range merged {
			if merged[i].Name == override.Name {
				merged[i] = override
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, override)
		}
	}
	return merged
}

// Package config provides configuration loading.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadOptions controls config loading.
type LoadOptions struct {
	ConfigPath string
	Args       []string
	Environ    []string
}

// LoadConfig loads configuration from defaults, file, env, and flags.
func LoadConfig(opts LoadOptions) (*Config, error) {
	args := opts.Args
	if args == nil {
		args = os.Args[1:]
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}

	flagOverrides, err := parseFlagOverrides(args)
	if err != nil {
		return nil, err
	}

	configPath := opts.ConfigPath
	if value, ok := envMap(environ)["LPR_CONFIG"]; ok && configPath == "" {
		configPath = value
	}
	if flagOverrides.ConfigPath != nil {
		configPath = *flagOverrides.ConfigPath
	}

	cfg := Default()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := applyFile(cfg, data); err != nil {
			return nil, err
		}
	}
	if err := applyEnvOverrides(cfg, environ); err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg, flagOverrides)
	return cfg, nil
}

// applyFile decodes YAML over cfg. Listed policies replace the defaults of
// the same name and leave the others in place.
func applyFile(cfg *Config, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	base := cfg.Policies
	cfg.Policies = nil
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		cfg.Policies = base
		return fmt.Errorf("parse config file: %w", err)
	}
	cfg.Policies = mergePolicies(base, cfg.Policies)
	return nil
}

type flagOverrides struct {
	ConfigPath   *string
	LogLevel     *string
	EnableHTTP   *bool
	HTTPAddr     *string
	EnableGRPC   *bool
	GRPCAddr     *string
	EnableAuth   *bool
	AdminToken   *string
	SMSProvider  *string
	EnableMQTT   *bool
	MQTTBroker   *string
	EnableKafka  *bool
	KafkaBrokers *string
}

func parseFlagOverrides(args []string) (flagOverrides, error) {
	fs := flag.NewFlagSet("lprpipeline", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	configPath := fs.String("config", "", "config file path")
	logLevel := fs.String("log_level", "", "log level")
	enableHTTP := fs.Bool("enable_http", false, "enable http")
	httpAddr := fs.String("http_addr", "", "http address")
	enableGRPC := fs.Bool("enable_grpc", false, "enable grpc")
	grpcAddr := fs.String("grpc_addr", "", "grpc address")
	enableAuth := fs.Bool("enable_auth", false, "enable auth")
	adminToken := fs.String("admin_token", "", "admin token")
	smsProvider := fs.String("sms_provider", "", "sms provider")
	enableMQTT := fs.Bool("enable_mqtt", false, "enable mqtt")
	mqttBroker := fs.String("mqtt_broker", "", "mqtt broker url")
	enableKafka := fs.Bool("enable_kafka", false, "enable kafka ingest")
	kafkaBrokers := fs.String("kafka_brokers", "", "comma separated kafka brokers")

	if err := fs.Parse(args); err != nil {
		return flagOverrides{}, errors.New("invalid flag values")
	}

	overrides := flagOverrides{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config":
			overrides.ConfigPath = configPath
		case "log_level":
			overrides.LogLevel = logLevel
		case "enable_http":
			overrides.EnableHTTP = enableHTTP
		case "http_addr":
			overrides.HTTPAddr = httpAddr
		case "enable_grpc":
			overrides.EnableGRPC = enableGRPC
		case "grpc_addr":
			overrides.GRPCAddr = grpcAddr
		case "enable_auth":
			overrides.EnableAuth = enableAuth
		case "admin_token":
			overrides.AdminToken = adminToken
		case "sms_provider":
			overrides.SMSProvider = smsProvider
		case "enable_mqtt":
			overrides.EnableMQTT = enableMQTT
		case "mqtt_broker":
			overrides.MQTTBroker = mqttBroker
		case "enable_kafka":
			overrides.EnableKafka = enableKafka
		case "kafka_brokers":
			overrides.KafkaBrokers = kafkaBrokers
		}
	})
	return overrides, nil
}

func applyFlagOverrides(cfg *Config, overrides flagOverrides) {
	if cfg == nil {
		return
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
	}
	if overrides.EnableHTTP != nil {
		cfg.HTTP.Enable = *overrides.EnableHTTP
	}
	if overrides.HTTPAddr != nil {
		cfg.HTTP.Addr = *overrides.HTTPAddr
	}
	if overrides.EnableGRPC != nil {
		cfg.GRPC.Enable = *overrides.EnableGRPC
	}
	if overrides.GRPCAddr != nil {
		cfg.GRPC.Addr = *overrides.GRPCAddr
	}
	if overrides.EnableAuth != nil {
		cfg.Auth.Enable = *overrides.EnableAuth
	}
	if overrides.AdminToken != nil {
		cfg.Auth.AdminToken = *overrides.AdminToken
	}
	if overrides.SMSProvider != nil {
		cfg.SMS.Provider = strings.ToLower(*overrides.SMSProvider)
	}
	if overrides.EnableMQTT != nil {
		cfg.MQTT.Enable = *overrides.EnableMQTT
	}
	if overrides.MQTTBroker != nil {
		cfg.MQTT.Broker = *overrides.MQTTBroker
	}
	if overrides.EnableKafka != nil {
		cfg.Kafka.Enable = *overrides.EnableKafka
	}
	if overrides.KafkaBrokers != nil {
		cfg.Kafka.Brokers = splitList(*overrides.KafkaBrokers)
	}
}

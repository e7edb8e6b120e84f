package main

import (
	"flag"
	"fmt"
	"io"
)

func newFlagSet(name string, output io.Writer) *flag.FlagSet {
	if output == nil {
		output = io.Discard
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.String("config", "", "config file path")
	fs.String("log_level", "", "log level")
	fs.Bool("enable_http", false, "enable http")
	fs.String("http_addr", "", "http address")
	fs.Bool("enable_grpc", false, "enable grpc")
	fs.String("grpc_addr", "", "grpc address")
	fs.Bool("enable_auth", false, "enable auth")
	fs.String("admin_token", "", "admin token")
	fs.String("sms_provider", "", "sms provider")
	fs.Bool("enable_mqtt", false, "enable mqtt")
	fs.String("mqtt_broker", "", "mqtt broker url")
	fs.Bool("enable_kafka", false, "enable kafka ingest")
	fs.String("kafka_brokers", "", "comma separated kafka brokers")
	fs.Usage = func() {
		printUsage(output)
	}
	return fs
}

func printUsage(w io.Writer) {
	if w == nil {
		return
	}
	fmt.Fprintln(w, "Usage")
	fmt.Fprintln(w, "  lprpipeline [print_config] [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Flags")
	fmt.Fprintln(w, "  config string config file path")
	fmt.Fprintln(w, "  log_level string log level")
	fmt.Fprintln(w, "  enable_http bool enable http")
	fmt.Fprintln(w, "  http_addr string http address")
	fmt.Fprintln(w, "  enable_grpc bool enable grpc")
	fmt.Fprintln(w, "  grpc_addr string grpc address")
	fmt.Fprintln(w, "  enable_auth bool enable auth")
	fmt.Fprintln(w, "  admin_token string admin token")
	fmt.Fprintln(w, "  sms_provider string sms provider (mock or twilio)")
	fmt.Fprintln(w, "  enable_mqtt bool enable mqtt")
	fmt.Fprintln(w, "  mqtt_broker string mqtt broker url")
	fmt.Fprintln(w, "  enable_kafka bool enable kafka ingest")
	fmt.Fprintln(w, "  kafka_brokers string comma separated kafka brokers")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Environment")
	fmt.Fprintln(w, "  LPR_* variables and a .env file in the working directory override the config file.")
}

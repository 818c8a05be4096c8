package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	yaml := "serial_port: /dev/ttyS1\nbaud_rate: 9600\nlog_level: debug\nmqtt:\n  broker: tcp://file:1883\n"
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("BAUD_RATE", "57600")
	t.Setenv("SERIAL_PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("BIND_ADDRESS", "")
	t.Setenv("SIM_PIN", "")
	t.Setenv("MQTT_BROKER", "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.String("mqtt-broker", "", "")
	if err := fs.Parse([]string{"-mqtt-broker", "tcp://flag:1883"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	config, err := LoadConfig(WithDefaults(), WithFile(file), WithEnv(), WithFlags(fs))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	// file overrides defaults
	if config.SerialPort != "/dev/ttyS1" {
		t.Errorf("serial port %q, want file value", config.SerialPort)
	}
	if config.LogLevel != "debug" {
		t.Errorf("log level %q, want file value", config.LogLevel)
	}
	// env overrides file
	if config.BaudRate != 57600 {
		t.Errorf("baud rate %d, want env value 57600", config.BaudRate)
	}
	// flags override everything
	if config.MQTT.Broker != "tcp://flag:1883" {
		t.Errorf("broker %q, want flag value", config.MQTT.Broker)
	}
	// defaults survive where nothing else spoke
	if config.BindAddress != "0.0.0.0:8080" {
		t.Errorf("bind address %q, want default", config.BindAddress)
	}
	if config.MQTT.SendTopic != "bg96/sms/send" {
		t.Errorf("send topic %q, want default", config.MQTT.SendTopic)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(WithDefaults(), WithFile("/nonexistent/config.yaml"))
	if err == nil {
		t.Error("expected error for missing config file")
	}

	// an unset -config flag is not an error
	if _, err := LoadConfig(WithDefaults(), WithFile("")); err != nil {
		t.Errorf("empty path should be a no-op, got: %v", err)
	}
}

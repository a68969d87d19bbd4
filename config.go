package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"i4.energy/across/lorae5/modem"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string
	// SerialPort is the path to the module's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string
	// BaudRate is the baud rate of the module's UART (e.g. 9600)
	BaudRate int
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string

	// Profile is applied to the module at start-up
	Profile modem.Profile
	// JoinTimeout bounds the wait for the join result. Zero skips joining.
	JoinTimeout time.Duration

	// MQTTBroker enables the MQTT bridge when set (e.g. "tcp://localhost:1883")
	MQTTBroker   string
	MQTTClientID string
	// MQTTTopic prefixes the bridge's topics: <topic>/uplink, <topic>/downlink...
	MQTTTopic    string
	MQTTUsername string
	MQTTPassword string
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = modem.DefaultBaudRate
		c.LogLevel = "info"
		c.Profile = modem.Profile{
			Mode:   modem.ModeOTAA,
			Region: modem.RegionEU868,
			Class:  modem.ClassA,
			Port:   8,
		}
		c.JoinTimeout = 2 * time.Minute
		c.MQTTClientID = "lorae5-gw"
		c.MQTTTopic = "lorae5"
		return nil
	}
}

// fileConfig mirrors the TOML layout of the configuration file.
type fileConfig struct {
	BindAddress string `toml:"bind_address"`
	SerialPort  string `toml:"serial_port"`
	BaudRate    int    `toml:"baud_rate"`
	LogLevel    string `toml:"log_level"`

	LoRaWAN struct {
		Mode        string `toml:"mode"`
		Region      string `toml:"region"`
		Class       string `toml:"class"`
		Port        int    `toml:"port"`
		DevEUI      string `toml:"dev_eui"`
		AppEUI      string `toml:"app_eui"`
		AppKey      string `toml:"app_key"`
		DevAddr     string `toml:"dev_addr"`
		NwkSKey     string `toml:"nwk_s_key"`
		AppSKey     string `toml:"app_s_key"`
		JoinTimeout string `toml:"join_timeout"`
	} `toml:"lorawan"`

	MQTT struct {
		Broker   string `toml:"broker"`
		ClientID string `toml:"client_id"`
		Topic    string `toml:"topic"`
		Username string `toml:"username"`
		Password string `toml:"password"`
	} `toml:"mqtt"`
}

// WithFile loads configuration from a TOML file. Keys missing from the file
// keep their current value; an empty path is a no-op.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}

		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return fmt.Errorf("load config file: %w", err)
		}

		if meta.IsDefined("bind_address") {
			c.BindAddress = strings.TrimSpace(raw.BindAddress)
		}
		if meta.IsDefined("serial_port") {
			c.SerialPort = strings.TrimSpace(raw.SerialPort)
		}
		if meta.IsDefined("baud_rate") {
			c.BaudRate = raw.BaudRate
		}
		if meta.IsDefined("log_level") {
			c.LogLevel = strings.TrimSpace(raw.LogLevel)
		}

		lw := raw.LoRaWAN
		if meta.IsDefined("lorawan", "mode") {
			c.Profile.Mode = modem.Mode(strings.ToUpper(strings.TrimSpace(lw.Mode)))
		}
		if meta.IsDefined("lorawan", "region") {
			c.Profile.Region = modem.Region(strings.ToUpper(strings.TrimSpace(lw.Region)))
		}
		if meta.IsDefined("lorawan", "class") {
			c.Profile.Class = modem.Class(strings.ToUpper(strings.TrimSpace(lw.Class)))
		}
		if meta.IsDefined("lorawan", "port") {
			c.Profile.Port = lw.Port
		}
		if meta.IsDefined("lorawan", "dev_eui") {
			c.Profile.DevEUI = strings.TrimSpace(lw.DevEUI)
		}
		if meta.IsDefined("lorawan", "app_eui") {
			c.Profile.AppEUI = strings.TrimSpace(lw.AppEUI)
		}
		if meta.IsDefined("lorawan", "app_key") {
			c.Profile.AppKey = strings.TrimSpace(lw.AppKey)
		}
		if meta.IsDefined("lorawan", "dev_addr") {
			c.Profile.DevAddr = strings.TrimSpace(lw.DevAddr)
		}
		if meta.IsDefined("lorawan", "nwk_s_key") {
			c.Profile.NwkSKey = strings.TrimSpace(lw.NwkSKey)
		}
		if meta.IsDefined("lorawan", "app_s_key") {
			c.Profile.AppSKey = strings.TrimSpace(lw.AppSKey)
		}
		if meta.IsDefined("lorawan", "join_timeout") {
			d, err := time.ParseDuration(strings.TrimSpace(lw.JoinTimeout))
			if err != nil {
				return fmt.Errorf("parse join_timeout: %w", err)
			}
			c.JoinTimeout = d
		}

		mq := raw.MQTT
		if meta.IsDefined("mqtt", "broker") {
			c.MQTTBroker = strings.TrimSpace(mq.Broker)
		}
		if meta.IsDefined("mqtt", "client_id") {
			c.MQTTClientID = strings.TrimSpace(mq.ClientID)
		}
		if meta.IsDefined("mqtt", "topic") {
			c.MQTTTopic = strings.Trim(strings.TrimSpace(mq.Topic), "/")
		}
		if meta.IsDefined("mqtt", "username") {
			c.MQTTUsername = mq.Username
		}
		if meta.IsDefined("mqtt", "password") {
			c.MQTTPassword = mq.Password
		}

		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		// Keys are usually injected as secrets rather than written to the file
		if key := os.Getenv("LORAWAN_APP_KEY"); key != "" {
			c.Profile.AppKey = key
		}
		if key := os.Getenv("LORAWAN_NWK_S_KEY"); key != "" {
			c.Profile.NwkSKey = key
		}
		if key := os.Getenv("LORAWAN_APP_S_KEY"); key != "" {
			c.Profile.AppSKey = key
		}

		if broker := os.Getenv("MQTT_BROKER"); broker != "" {
			c.MQTTBroker = broker
		}
		if user := os.Getenv("MQTT_USERNAME"); user != "" {
			c.MQTTUsername = user
		}
		if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
			c.MQTTPassword = pass
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "mqtt-broker":
				c.MQTTBroker = f.Value.String()
			}
		})
		return nil
	}
}

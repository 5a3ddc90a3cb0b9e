package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix of environment variables that override the config
// file, e.g. PT100_CHAMBER_ADDR=10.0.0.5:1080
const EnvPrefix = "PT100_"

// Device holds the address of an instrument.  Addr is host:port for
// TCP, or a port such as /dev/ttyUSB0 or COM3 if Serial is true.
type Device struct {
	Addr   string `koanf:"Addr" yaml:"Addr"`
	Serial bool   `koanf:"Serial" yaml:"Serial"`
}

// MQTT holds the broker to publish to.  An empty Broker disables publishing.
type MQTT struct {
	Broker   string `koanf:"Broker" yaml:"Broker"`
	Topic    string `koanf:"Topic" yaml:"Topic"`
	ClientID string `koanf:"ClientID" yaml:"ClientID"`
}

// Config is the configuration of the program
type Config struct {
	// Addr is the address the HTTP server listens at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Mock replaces the instruments with a simulation
	Mock bool `koanf:"Mock" yaml:"Mock"`

	Chamber Device `koanf:"Chamber" yaml:"Chamber"`
	Meter   Device `koanf:"Meter" yaml:"Meter"`

	// Offset is the half width of the band around a setpoint, in C
	Offset float64 `koanf:"Offset" yaml:"Offset"`

	// PollInterval is the time between readings, in seconds
	PollInterval float64 `koanf:"PollInterval" yaml:"PollInterval"`

	// Channel is the chamber channel that takes the temperature setpoint
	Channel int `koanf:"Channel" yaml:"Channel"`

	// LogDir is where the CSV files go
	LogDir string `koanf:"LogDir" yaml:"LogDir"`

	// SQLitePath is the run database.  Empty disables it.
	SQLitePath string `koanf:"SQLitePath" yaml:"SQLitePath"`

	MQTT MQTT `koanf:"MQTT" yaml:"MQTT"`

	// History is the number of readings served at /readings
	History int `koanf:"History" yaml:"History"`
}

// Defaults returns the configuration used when nothing else is given
func Defaults() Config {
	logdir, err := os.UserHomeDir()
	if err != nil {
		logdir = "."
	}
	return Config{
		Addr:         ":8000",
		Chamber:      Device{Addr: "127.0.0.1:1080"},
		Meter:        Device{Addr: "127.0.0.1:10001"},
		Offset:       0.5,
		PollInterval: 10,
		Channel:      1,
		LogDir:       logdir,
		MQTT:         MQTT{Topic: "pt100", ClientID: "pt100ramp"},
		History:      1000,
	}
}

// LoadConfig layers defaults, the config file at path (if it exists) and the
// environment, in that order
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) && !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return Config{}, err
		}
	}
	// env names are upper case, map them back onto the known keys
	known := map[string]string{}
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		name := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return known[strings.ReplaceAll(name, "_", ".")]
	}), nil)
	if err != nil {
		return Config{}, err
	}
	c := Config{}
	err = k.Unmarshal("", &c)
	return c, err
}

// WriteConfig writes c as YAML to path
func WriteConfig(c Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

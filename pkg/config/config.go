// Package config loads and validates the external server configuration.
//
// The configuration is a strict JSON document: unknown keys are
// rejected, identifiers must match the protocol's lowercase pattern and
// the module sets of every car must be non-empty and free of
// common/car-specific duplicates.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// namePattern constrains company and car names; both form MQTT topic
// prefixes.
var namePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Module configures one handler library.
type Module struct {
	// LibPath is the path of the shared object implementing the module
	// API.
	LibPath string `json:"lib_path"`

	// Config holds key/value pairs passed verbatim to the library's
	// init function.
	Config map[string]string `json:"config"`
}

// Car configures one car beyond the common settings.
type Car struct {
	SpecificModules map[string]Module `json:"specific_modules"`
}

// Logging is passed through to the logging subsystem.
type Logging struct {
	// Level is the slog level name: debug, info, warn, error.
	Level string `json:"level,omitempty"`

	// ProtocolLogDir, when set, enables per-car protocol event files
	// (<company>_<car>.flog) in the given directory.
	ProtocolLogDir string `json:"protocol_log_dir,omitempty"`
}

// Config is the top-level server configuration.
type Config struct {
	CompanyName string `json:"company_name"`
	CarName     string `json:"car_name,omitempty"`

	MQTTAddress string `json:"mqtt_address"`
	MQTTPort    int    `json:"mqtt_port"`

	// MQTTTimeout bounds broker connect and publish acknowledgement
	// waits, in seconds.
	MQTTTimeout int `json:"mqtt_timeout"`

	// Timeout applies to both the status and the command-response
	// timers, in seconds.
	Timeout int `json:"timeout"`

	SendInvalidCommand bool `json:"send_invalid_command"`

	// SleepDurationAfterConnectionRefused is the pause before the next
	// connect attempt, in seconds.
	SleepDurationAfterConnectionRefused float64 `json:"sleep_duration_after_connection_refused"`

	// PerDeviceStatusTimeout switches the status timeout from absolute
	// last-status age to a per-device age.
	PerDeviceStatusTimeout bool `json:"per_device_status_timeout,omitempty"`

	CommonModules map[string]Module `json:"common_modules"`
	Cars          map[string]Car    `json:"cars"`

	Logging Logging `json:"logging,omitempty"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config could not be loaded: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if !namePattern.MatchString(c.CompanyName) {
		return fmt.Errorf("company_name %q must match [a-z0-9_]+", c.CompanyName)
	}
	if c.CarName != "" && !namePattern.MatchString(c.CarName) {
		return fmt.Errorf("car_name %q must match [a-z0-9_]+", c.CarName)
	}
	if c.MQTTAddress == "" {
		return fmt.Errorf("mqtt_address must be set")
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return fmt.Errorf("mqtt_port %d out of range", c.MQTTPort)
	}
	if c.MQTTTimeout < 1 {
		return fmt.Errorf("mqtt_timeout must be at least 1 second")
	}
	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second")
	}
	if c.SleepDurationAfterConnectionRefused < 0 {
		return fmt.Errorf("sleep_duration_after_connection_refused must not be negative")
	}
	if len(c.Cars) == 0 {
		return fmt.Errorf("cars must contain at least 1 car")
	}
	if err := validateModuleIDs(c.CommonModules); err != nil {
		return fmt.Errorf("common_modules: %w", err)
	}
	for name, car := range c.Cars {
		if !namePattern.MatchString(name) {
			return fmt.Errorf("car name %q must match [a-z0-9_]+", name)
		}
		if err := validateModuleIDs(car.SpecificModules); err != nil {
			return fmt.Errorf("car %q: %w", name, err)
		}
		if len(c.CommonModules) == 0 && len(car.SpecificModules) == 0 {
			return fmt.Errorf("car %q has no modules", name)
		}
		for id := range car.SpecificModules {
			if _, dup := c.CommonModules[id]; dup {
				return fmt.Errorf("module %s configured both globally and for car %q", id, name)
			}
		}
	}
	return nil
}

func validateModuleIDs(modules map[string]Module) error {
	for id, m := range modules {
		if _, err := strconv.ParseUint(id, 10, 16); err != nil {
			return fmt.Errorf("module id %q is not an unsigned integer", id)
		}
		if m.LibPath == "" {
			return fmt.Errorf("module %s has no lib_path", id)
		}
	}
	return nil
}

// CarConfig is the per-car view of the configuration handed to a car
// session: common settings plus the merged module set of one car.
type CarConfig struct {
	CompanyName string
	CarName     string

	MQTTAddress string
	MQTTPort    int
	MQTTTimeout int

	Timeout                             int
	SendInvalidCommand                  bool
	SleepDurationAfterConnectionRefused float64
	PerDeviceStatusTimeout              bool

	// Modules maps module id to its configuration; the union of the
	// common and the car-specific modules.
	Modules map[uint32]Module
}

// ForCar builds the per-car view for the named car. The name must be a
// key of Cars.
func (c *Config) ForCar(name string) (*CarConfig, error) {
	car, ok := c.Cars[name]
	if !ok {
		return nil, fmt.Errorf("unknown car %q", name)
	}
	modules := make(map[uint32]Module, len(c.CommonModules)+len(car.SpecificModules))
	for id, m := range c.CommonModules {
		n, err := strconv.ParseUint(id, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("module id %q is not an unsigned integer", id)
		}
		modules[uint32(n)] = m
	}
	for id, m := range car.SpecificModules {
		n, err := strconv.ParseUint(id, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("module id %q is not an unsigned integer", id)
		}
		modules[uint32(n)] = m
	}
	return &CarConfig{
		CompanyName:                         c.CompanyName,
		CarName:                             name,
		MQTTAddress:                         c.MQTTAddress,
		MQTTPort:                            c.MQTTPort,
		MQTTTimeout:                         c.MQTTTimeout,
		Timeout:                             c.Timeout,
		SendInvalidCommand:                  c.SendInvalidCommand,
		SleepDurationAfterConnectionRefused: c.SleepDurationAfterConnectionRefused,
		PerDeviceStatusTimeout:              c.PerDeviceStatusTimeout,
		Modules:                             modules,
	}, nil
}

// Package config loads the fleet description used by the tof command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/continuous"
	"github.com/mklimuk/tof/fleet"
	"github.com/mklimuk/tof/ranging"
)

// Version is injected at build time.
var Version = "dev"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOF_"

const (
	AdapterGeneric = "generic"
	AdapterMCP2221 = "mcp2221"
	AdapterGobot   = "gobot"
)

const (
	DefaultSpeed    = "400kHz"
	DefaultTopic    = "tof"
	DefaultClientID = "tof"
	DefaultIMUSpeed = "1MHz"
	DefaultAdapter  = AdapterGeneric
)

const DefaultTxTimeout = time.Second

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Adapter Adapter            `yaml:"adapter"`
	Policy  string             `yaml:"policy"`
	Backoff continuous.Backoff `yaml:"backoff"`
	Sensors []Sensor           `yaml:"sensors"`
	IMU     *IMU               `yaml:"imu"`
	MQTT    MQTT               `yaml:"mqtt"`
}

// Adapter selects the bus the sensors hang on.
type Adapter struct {
	// Kind is generic (Linux i2c-dev through periph), mcp2221 (USB bridge)
	// or gobot (single-board computer adaptor).
	Kind string `yaml:"kind"`
	// Device names the bus: an i2c-dev name or number for generic, a bus
	// number for gobot. Empty picks the first bus.
	Device string `yaml:"device"`
	// Index selects one of several MCP2221 bridges.
	Index int    `yaml:"index"`
	Speed string `yaml:"speed"`
	// Board names the gobot adaptor.
	Board string `yaml:"board"`
	// TxTimeout bounds every bus exchange so a stuck adapter cannot hold
	// the bus. Negative disables it.
	TxTimeout time.Duration `yaml:"tx_timeout"`
}

type Sensor struct {
	Chip         string        `yaml:"chip"`
	Name         string        `yaml:"name"`
	Address      uint8         `yaml:"address"`
	TimingBudget time.Duration `yaml:"timing_budget"`
	Period       time.Duration `yaml:"period"`
	ROI          tof.ROI       `yaml:"roi"`
	Reset        string        `yaml:"reset"`
	Ready        string        `yaml:"ready"`
}

// SensorConfig returns the device settings. Pins are resolved by the
// caller since they depend on the opened hardware.
func (s Sensor) SensorConfig() tof.SensorConfig {
	return tof.SensorConfig{
		Name:                   s.Name,
		Address:                s.Address,
		TimingBudget:           s.TimingBudget,
		InterMeasurementPeriod: s.Period,
		ROI:                    s.ROI,
	}
}

type IMU struct {
	Name         string        `yaml:"name"`
	SPI          string        `yaml:"spi"`
	Speed        string        `yaml:"speed"`
	SamplePeriod time.Duration `yaml:"sample_period"`
	Reset        string        `yaml:"reset"`
	Ready        string        `yaml:"ready"`
}

type MQTT struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Retained bool   `yaml:"retained"`
}

func (m MQTT) Enabled() bool {
	return m.Broker != ""
}

// Load reads a .env file if present, the YAML file at path, applies TOF_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open config: %w", err)
	}
	defer f.Close()
	var c Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", path, err)
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Parse decodes YAML without touching the environment.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"ADAPTER":       &c.Adapter.Kind,
		"DEVICE":        &c.Adapter.Device,
		"SPEED":         &c.Adapter.Speed,
		"BOARD":         &c.Adapter.Board,
		"POLICY":        &c.Policy,
		"MQTT_BROKER":   &c.MQTT.Broker,
		"MQTT_CLIENT":   &c.MQTT.ClientID,
		"MQTT_USERNAME": &c.MQTT.Username,
		"MQTT_PASSWORD": &c.MQTT.Password,
		"MQTT_TOPIC":    &c.MQTT.Topic,
	}
	for key, field := range str {
		if v, ok := lookup(EnvPrefix + key); ok {
			*field = v
		}
	}
	if v, ok := lookup(EnvPrefix + "ADAPTER_INDEX"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sADAPTER_INDEX: %w", ErrInvalid, EnvPrefix, err)
		}
		c.Adapter.Index = n
	}
	if v, ok := lookup(EnvPrefix + "TX_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %sTX_TIMEOUT: %w", ErrInvalid, EnvPrefix, err)
		}
		c.Adapter.TxTimeout = d
	}
	return nil
}

func (c *Config) SetDefaults() {
	if c.Adapter.Kind == "" {
		c.Adapter.Kind = DefaultAdapter
	}
	if c.Adapter.Speed == "" {
		c.Adapter.Speed = DefaultSpeed
	}
	if c.Adapter.TxTimeout == 0 {
		c.Adapter.TxTimeout = DefaultTxTimeout
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = DefaultTopic
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultClientID
	}
	if c.IMU != nil {
		if c.IMU.Name == "" {
			c.IMU.Name = "imu"
		}
		if c.IMU.Speed == "" {
			c.IMU.Speed = DefaultIMUSpeed
		}
	}
}

func (c *Config) Validate() error {
	switch c.Adapter.Kind {
	case AdapterGeneric, AdapterMCP2221, AdapterGobot:
	default:
		return fmt.Errorf("%w: unknown adapter %q", ErrInvalid, c.Adapter.Kind)
	}
	if _, err := c.BusSpeed(); err != nil {
		return err
	}
	if _, err := fleet.ParsePolicy(c.Policy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if len(c.Sensors) == 0 {
		return fmt.Errorf("%w: no sensors", ErrInvalid)
	}
	names := make(map[string]bool)
	addrs := make(map[uint8]string)
	for i, s := range c.Sensors {
		if s.Name == "" {
			return fmt.Errorf("%w: sensor #%d has no name", ErrInvalid, i)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate sensor name %s", ErrInvalid, s.Name)
		}
		names[s.Name] = true
		if _, ok := ranging.Chips[strings.ToLower(s.Chip)]; !ok {
			return fmt.Errorf("%w: sensor %s: unknown chip %q", ErrInvalid, s.Name, s.Chip)
		}
		if s.Address != 0 {
			if s.Address < 0x08 || s.Address > 0x77 {
				return fmt.Errorf("%w: sensor %s: address %#x out of range", ErrInvalid, s.Name, s.Address)
			}
			if other, ok := addrs[s.Address]; ok {
				return fmt.Errorf("%w: sensors %s and %s share address %#x", ErrInvalid, other, s.Name, s.Address)
			}
			addrs[s.Address] = s.Name
		}
		if s.Period != 0 && s.TimingBudget != 0 && s.Period < s.TimingBudget {
			return fmt.Errorf("%w: sensor %s: period %s shorter than timing budget %s", ErrInvalid, s.Name, s.Period, s.TimingBudget)
		}
		for _, p := range []string{s.Reset, s.Ready} {
			if p == "" {
				continue
			}
			if _, err := ParsePin(p); err != nil {
				return fmt.Errorf("%w: sensor %s: %w", ErrInvalid, s.Name, err)
			}
		}
	}
	if c.IMU != nil {
		if c.IMU.SPI == "" && c.Adapter.Kind != AdapterGobot {
			return fmt.Errorf("%w: imu: no spi port", ErrInvalid)
		}
		if _, err := parseFrequency(c.IMU.Speed); err != nil {
			return err
		}
		for _, p := range []string{c.IMU.Reset, c.IMU.Ready} {
			if p == "" {
				continue
			}
			if _, err := ParsePin(p); err != nil {
				return fmt.Errorf("%w: imu: %w", ErrInvalid, err)
			}
		}
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt: qos %d", ErrInvalid, c.MQTT.QoS)
	}
	return nil
}

// FleetPolicy returns the parsed failure policy. Call it on a validated
// config.
func (c *Config) FleetPolicy() fleet.Policy {
	p, _ := fleet.ParsePolicy(c.Policy)
	return p
}

func (c *Config) BusSpeed() (physic.Frequency, error) {
	return parseFrequency(c.Adapter.Speed)
}

func (i *IMU) BusSpeed() (physic.Frequency, error) {
	return parseFrequency(i.Speed)
}

func parseFrequency(s string) (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(s); err != nil {
		return 0, fmt.Errorf("%w: speed %q: %w", ErrInvalid, s, err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("%w: speed %q must be positive", ErrInvalid, s)
	}
	return f, nil
}

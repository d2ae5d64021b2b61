// Package config loads daemon settings from defaults, an optional YAML file,
// TREAT_DISPENSER_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sweeney/treat-dispenser/internal/schedule"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TREAT_DISPENSER"

// Bus kinds.
const (
	BusI2C      = "i2c"
	BusGPIOCDev = "gpiocdev"
	BusFake     = "fake"
)

// DefaultLines are the BCM offsets used when the expander is replaced by
// direct GPIO wiring, in signal order.
var DefaultLines = []int{17, 27, 22, 23, 24, 25, 5, 6}

// Config is the resolved daemon configuration.
type Config struct {
	LogLevel   string
	Tick       time.Duration
	Debounce   time.Duration
	Heartbeat  time.Duration
	PrintState bool

	Bus      BusConfig
	Motor    MotorConfig
	Guidance GuidanceConfig
	Schedule ScheduleConfig
	Audio    AudioConfig
	MQTT     MQTTConfig
	HTTPAddr string
}

// BusConfig selects the port transport.
type BusConfig struct {
	Kind    string
	I2CName string
	I2CAddr uint16
	Chip    string
	Lines   []int
}

// MotorConfig tunes the motor supervisor.
type MotorConfig struct {
	Timeout    time.Duration
	Poll       time.Duration
	BeamSettle time.Duration
	JamAmps    float64

	// CurrentPin names the ADC pin of the motor current sensor. Empty
	// disables current sampling.
	CurrentPin string
}

// GuidanceConfig tunes the training window.
type GuidanceConfig struct {
	Window time.Duration
}

// ScheduleConfig holds the initial selection and trigger cooldown.
type ScheduleConfig struct {
	TreatsPerHour int
	Hours         int
	Cooldown      time.Duration
}

// AudioConfig selects the buzzer. An empty Pin disables audio.
type AudioConfig struct {
	Pin       string
	Frequency int // Hz
	Duration  time.Duration
}

// MQTTConfig selects the broker. An empty Broker disables MQTT.
type MQTTConfig struct {
	Broker   string
	ClientID string
	WSBroker string
}

// flagKeys maps flag names to viper keys.
var flagKeys = map[string]string{
	"config":          "",
	"log-level":       "log.level",
	"tick":            "tick",
	"debounce":        "debounce",
	"heartbeat":       "heartbeat",
	"print-state":     "print_state",
	"bus":             "bus.kind",
	"i2c-bus":         "bus.i2c.name",
	"i2c-addr":        "bus.i2c.addr",
	"gpio-chip":       "bus.gpiocdev.chip",
	"gpio-lines":      "bus.gpiocdev.lines",
	"motor-timeout":   "motor.timeout",
	"motor-poll":      "motor.poll",
	"beam-settle":     "motor.beam_settle",
	"jam-amps":        "motor.jam_amps",
	"current-pin":     "motor.current_pin",
	"window":          "guidance.window",
	"treats-per-hour": "schedule.treats_per_hour",
	"hours":           "schedule.hours",
	"cooldown":        "schedule.cooldown",
	"audio-pin":       "audio.pin",
	"audio-frequency": "audio.frequency",
	"audio-duration":  "audio.duration",
	"broker":          "mqtt.broker",
	"client-id":       "mqtt.client_id",
	"ws-broker":       "mqtt.ws_broker",
	"http":            "http.addr",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("tick", 50*time.Millisecond)
	v.SetDefault("debounce", 30*time.Millisecond)
	v.SetDefault("heartbeat", 15*time.Minute)
	v.SetDefault("print_state", false)
	v.SetDefault("bus.kind", BusI2C)
	v.SetDefault("bus.i2c.name", "")
	v.SetDefault("bus.i2c.addr", 0x20)
	v.SetDefault("bus.gpiocdev.chip", "gpiochip0")
	v.SetDefault("bus.gpiocdev.lines", DefaultLines)
	v.SetDefault("motor.timeout", 5*time.Second)
	v.SetDefault("motor.poll", 5*time.Millisecond)
	v.SetDefault("motor.beam_settle", 150*time.Millisecond)
	v.SetDefault("motor.jam_amps", 5.5)
	v.SetDefault("motor.current_pin", "")
	v.SetDefault("guidance.window", 20*time.Second)
	v.SetDefault("schedule.treats_per_hour", 2)
	v.SetDefault("schedule.hours", 2)
	v.SetDefault("schedule.cooldown", 30*time.Second)
	v.SetDefault("audio.pin", "")
	v.SetDefault("audio.frequency", 1000)
	v.SetDefault("audio.duration", 200*time.Millisecond)
	v.SetDefault("mqtt.broker", "tcp://192.168.1.200:1883")
	v.SetDefault("mqtt.client_id", "treat-dispenser")
	v.SetDefault("mqtt.ws_broker", "=broker")
	v.SetDefault("http.addr", ":80")
}

// NewFlagSet declares every flag. Flag defaults are informational; the
// effective default lives in viper.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "YAML config file")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Duration("tick", 50*time.Millisecond, "tick loop period")
	fs.Duration("debounce", 30*time.Millisecond, "button and remote settle window")
	fs.Duration("heartbeat", 15*time.Minute, "heartbeat interval (0 to disable)")
	fs.Bool("print-state", false, "print the port state and exit")
	fs.String("bus", BusI2C, "port transport (i2c, gpiocdev, fake)")
	fs.String("i2c-bus", "", "I2C bus name (empty for the first bus)")
	fs.Uint16("i2c-addr", 0x20, "expander I2C address")
	fs.String("gpio-chip", "gpiochip0", "GPIO chip for direct wiring")
	fs.IntSlice("gpio-lines", DefaultLines, "line offsets in signal order")
	fs.Duration("motor-timeout", 5*time.Second, "motor run timeout")
	fs.Duration("motor-poll", 5*time.Millisecond, "motor supervisor poll interval")
	fs.Duration("beam-settle", 150*time.Millisecond, "IR emitter settle time")
	fs.Float64("jam-amps", 5.5, "advisory jam current threshold")
	fs.String("current-pin", "", "motor current sensor ADC pin (empty disables sampling)")
	fs.Duration("window", 20*time.Second, "training window length")
	fs.Int("treats-per-hour", 2, "initial treats per hour")
	fs.Int("hours", 2, "initial schedule length in hours")
	fs.Duration("cooldown", 30*time.Second, "minimum gap between scheduled triggers")
	fs.String("audio-pin", "", "buzzer GPIO name (empty disables audio)")
	fs.Int("audio-frequency", 1000, "cue tone frequency in Hz")
	fs.Duration("audio-duration", 200*time.Millisecond, "cue tone duration")
	fs.String("broker", "tcp://192.168.1.200:1883", "MQTT broker address (empty disables)")
	fs.String("client-id", "treat-dispenser", "MQTT client ID")
	fs.String("ws-broker", "=broker", `MQTT websocket URL for live UI ("=broker" derives from --broker, "off" disables)`)
	fs.String("http", ":80", "HTTP status address (empty to disable)")
	return fs
}

// Load parses args and resolves the configuration.
func Load(args []string) (*Config, error) {
	fs := NewFlagSet("treat-dispenser")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return FromFlags(fs)
}

// FromFlags resolves the configuration from an already parsed flag set.
// Only flags that were set on the command line override other sources.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if key == "" {
			continue
		}
		if f := fs.Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		LogLevel:   v.GetString("log.level"),
		Tick:       v.GetDuration("tick"),
		Debounce:   v.GetDuration("debounce"),
		Heartbeat:  v.GetDuration("heartbeat"),
		PrintState: v.GetBool("print_state"),
		Bus: BusConfig{
			Kind:    v.GetString("bus.kind"),
			I2CName: v.GetString("bus.i2c.name"),
			I2CAddr: v.GetUint16("bus.i2c.addr"),
			Chip:    v.GetString("bus.gpiocdev.chip"),
			Lines:   v.GetIntSlice("bus.gpiocdev.lines"),
		},
		Motor: MotorConfig{
			Timeout:    v.GetDuration("motor.timeout"),
			Poll:       v.GetDuration("motor.poll"),
			BeamSettle: v.GetDuration("motor.beam_settle"),
			JamAmps:    v.GetFloat64("motor.jam_amps"),
			CurrentPin: v.GetString("motor.current_pin"),
		},
		Guidance: GuidanceConfig{
			Window: v.GetDuration("guidance.window"),
		},
		Schedule: ScheduleConfig{
			TreatsPerHour: v.GetInt("schedule.treats_per_hour"),
			Hours:         v.GetInt("schedule.hours"),
			Cooldown:      v.GetDuration("schedule.cooldown"),
		},
		Audio: AudioConfig{
			Pin:       v.GetString("audio.pin"),
			Frequency: v.GetInt("audio.frequency"),
			Duration:  v.GetDuration("audio.duration"),
		},
		MQTT: MQTTConfig{
			Broker:   v.GetString("mqtt.broker"),
			ClientID: v.GetString("mqtt.client_id"),
			WSBroker: v.GetString("mqtt.ws_broker"),
		},
		HTTPAddr: v.GetString("http.addr"),
	}
}

// Validate rejects settings the dispenser cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Tick <= 0 {
		errs = append(errs, fmt.Errorf("tick must be positive, got %v", c.Tick))
	}
	if c.Debounce < 0 {
		errs = append(errs, fmt.Errorf("debounce must not be negative, got %v", c.Debounce))
	}
	switch c.Bus.Kind {
	case BusI2C, BusFake:
	case BusGPIOCDev:
		if err := validateLines(c.Bus.Lines); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus kind %q", c.Bus.Kind))
	}
	if c.Motor.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("motor timeout must be positive, got %v", c.Motor.Timeout))
	}
	if c.Motor.Poll <= 0 {
		errs = append(errs, fmt.Errorf("motor poll must be positive, got %v", c.Motor.Poll))
	}
	if tph := c.Schedule.TreatsPerHour; tph < schedule.MinTreatsPerHour || tph > schedule.MaxTreatsPerHour {
		errs = append(errs, fmt.Errorf("treats per hour must be %d..%d, got %d",
			schedule.MinTreatsPerHour, schedule.MaxTreatsPerHour, tph))
	}
	if h := c.Schedule.Hours; h < schedule.MinHours || h > schedule.MaxHours {
		errs = append(errs, fmt.Errorf("hours must be %d..%d, got %d",
			schedule.MinHours, schedule.MaxHours, h))
	}
	if c.Audio.Pin != "" && c.Audio.Frequency <= 0 {
		errs = append(errs, fmt.Errorf("audio frequency must be positive, got %d", c.Audio.Frequency))
	}
	return errors.Join(errs...)
}

func validateLines(lines []int) error {
	if len(lines) != 8 {
		return fmt.Errorf("gpiocdev needs 8 line offsets, got %d", len(lines))
	}
	seen := make(map[int]bool, len(lines))
	for _, l := range lines {
		if l < 0 {
			return fmt.Errorf("negative line offset %d", l)
		}
		if seen[l] {
			return fmt.Errorf("duplicate line offset %d", l)
		}
		seen[l] = true
	}
	return nil
}

// ResolveWSBroker converts the ws-broker setting into a concrete URL.
// "=broker" derives ws://host:9001 from the TCP broker address; "off" or an
// unparseable broker disables it.
func ResolveWSBroker(ws, broker string) string {
	if ws == "off" || ws == "" {
		return ""
	}
	if ws != "=broker" {
		return ws
	}
	if broker == "" {
		return ""
	}
	u, err := url.Parse(broker)
	if err != nil {
		return ""
	}
	u.Scheme = "ws"
	u.Host = u.Hostname() + ":9001"
	return u.String()
}

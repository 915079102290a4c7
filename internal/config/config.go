// Package config loads node configuration from TOML.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/SWAI-Ltd/advchain/internal/identity"
	"github.com/SWAI-Ltd/advchain/internal/proto"
	"github.com/SWAI-Ltd/advchain/internal/radio"
)

// Media a node can run on.
const (
	MediumUDP = "udp"
	MediumSim = "sim"

	PrimaryMulticast = "multicast"
	PrimaryMDNS      = "mdns"

	DefaultGroup = "239.255.89.1:47089"
)

var (
	ErrInvalid = errors.New("invalid configuration")
	// ErrPredecessor marks a relay whose predecessor cannot be registered.
	// Validate reports it after every other check.
	ErrPredecessor = errors.New("invalid predecessor")
)

// Duration is a time.Duration that decodes from strings such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Advertising struct {
	SID              uint8  `toml:"SID"`
	Interval         uint32 `toml:"Interval"`
	PeriodicInterval uint16 `toml:"PeriodicInterval"`
}

type Scan struct {
	Interval         uint16 `toml:"Interval"`
	Window           uint16 `toml:"Window"`
	FilterDuplicates bool   `toml:"FilterDuplicates"`
	FilterAcceptList bool   `toml:"FilterAcceptList"`
}

type Sync struct {
	Timeout     Duration `toml:"Timeout"`
	Establish   Duration `toml:"Establish"`
	RetryDelay  Duration `toml:"RetryDelay"`
	Skip        uint16   `toml:"Skip"`
	EventBuffer int      `toml:"EventBuffer"`
}

type Medium struct {
	Kind      string `toml:"Kind"`
	Group     string `toml:"Group"`
	Interface string `toml:"Interface"`
	Primary   string `toml:"Primary"`
	TTL       int    `toml:"TTL"`
	Loopback  bool   `toml:"Loopback"`
}

type Source struct {
	// InitialData is four hex bytes, separators optional: "00 01 02 03".
	InitialData  string   `toml:"InitialData"`
	TickInterval Duration `toml:"TickInterval"`
}

type Config struct {
	Name         string `toml:"Name"`
	Identity     string `toml:"Identity"`
	IdentityType string `toml:"IdentityType"`
	// IdentitySeed derives a static random identity when Identity is empty.
	IdentitySeed    string `toml:"IdentitySeed"`
	Predecessor     string `toml:"Predecessor"`
	PredecessorType string `toml:"PredecessorType"`
	AcceptCapacity  int    `toml:"AcceptCapacity"`

	Advertising Advertising `toml:"Advertising"`
	Scan        Scan        `toml:"Scan"`
	Sync        Sync        `toml:"Sync"`
	Medium      Medium      `toml:"Medium"`
	Source      Source      `toml:"Source"`

	MonitorAddr string `toml:"MonitorAddr"`
	MetricsAddr string `toml:"MetricsAddr"`
	LogLevel    string `toml:"LogLevel"`
}

// Default returns the reference deployment configuration.
func Default() *Config {
	adv := radio.DefaultAdvParams()
	scan := radio.DefaultScanParams()
	return &Config{
		IdentityType:    "random",
		PredecessorType: "random",
		AcceptCapacity:  1,
		Advertising: Advertising{
			SID:              adv.SID,
			Interval:         adv.IntervalMax,
			PeriodicInterval: adv.PeriodicMax,
		},
		Scan: Scan{
			Interval:         scan.Interval,
			Window:           scan.Window,
			FilterDuplicates: scan.FilterDuplicates,
			FilterAcceptList: scan.FilterAcceptList,
		},
		Sync: Sync{
			Timeout:     Duration{5 * time.Second},
			Establish:   Duration{20 * time.Second},
			RetryDelay:  Duration{time.Second},
			EventBuffer: 32,
		},
		Medium: Medium{
			Kind:     MediumUDP,
			Group:    DefaultGroup,
			Primary:  PrimaryMulticast,
			TTL:      1,
			Loopback: true,
		},
		Source: Source{
			InitialData:  "00 01 02 03",
			TickInterval: Duration{time.Second},
		},
		LogLevel: "info",
	}
}

// Load decodes path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: %s: unknown keys %s", ErrInvalid, path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Decode parses TOML text over the defaults.
func Decode(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field the node will hand to the link layer. relay
// selects the relay-only checks.
func (c *Config) Validate(relay bool) error {
	if _, err := c.NodeIdentity(); err != nil {
		return err
	}
	if relay {
		if c.AcceptCapacity < 1 {
			return fmt.Errorf("%w: AcceptCapacity must be at least 1", ErrInvalid)
		}
		if err := c.ScanParams().Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if c.Sync.Timeout.Duration <= 0 || c.Sync.Establish.Duration <= 0 {
			return fmt.Errorf("%w: sync timeouts must be positive", ErrInvalid)
		}
		if c.Sync.Skip > radio.MaxSyncSkip {
			return fmt.Errorf("%w: sync skip %d", ErrInvalid, c.Sync.Skip)
		}
	} else if _, err := c.InitialData(); err != nil {
		return err
	}
	if err := c.AdvParams().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Medium.Kind {
	case MediumUDP, MediumSim:
	default:
		return fmt.Errorf("%w: medium %q", ErrInvalid, c.Medium.Kind)
	}
	switch c.Medium.Primary {
	case PrimaryMulticast, PrimaryMDNS:
	default:
		return fmt.Errorf("%w: primary channel %q", ErrInvalid, c.Medium.Primary)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if relay {
		if _, err := c.PredecessorIdentity(); err != nil {
			return err
		}
	}
	return nil
}

// NodeIdentity returns the configured identity, or one derived from
// IdentitySeed.
func (c *Config) NodeIdentity() (identity.Identity, error) {
	if c.Identity == "" {
		if c.IdentitySeed == "" {
			return identity.Identity{}, fmt.Errorf("%w: Identity or IdentitySeed is required", ErrInvalid)
		}
		return identity.Derive(c.IdentitySeed), nil
	}
	return identity.Parse(c.Identity, c.IdentityType)
}

func (c *Config) PredecessorIdentity() (identity.Identity, error) {
	if c.Predecessor == "" {
		return identity.Identity{}, fmt.Errorf("%w: Predecessor is required", ErrPredecessor)
	}
	id, err := identity.Parse(c.Predecessor, c.PredecessorType)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("%w: %w", ErrPredecessor, err)
	}
	return id, nil
}

func (c *Config) AdvParams() radio.AdvParams {
	return radio.AdvParams{
		SID:         c.Advertising.SID,
		IntervalMin: c.Advertising.Interval,
		IntervalMax: c.Advertising.Interval,
		PeriodicMin: c.Advertising.PeriodicInterval,
		PeriodicMax: c.Advertising.PeriodicInterval,
	}
}

func (c *Config) ScanParams() radio.ScanParams {
	return radio.ScanParams{
		Interval:         c.Scan.Interval,
		Window:           c.Scan.Window,
		FilterDuplicates: c.Scan.FilterDuplicates,
		FilterAcceptList: c.Scan.FilterAcceptList,
	}
}

// InitialData parses Source.InitialData.
func (c *Config) InitialData() ([proto.DataLen]byte, error) {
	var out [proto.DataLen]byte
	clean := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(c.Source.InitialData)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return out, fmt.Errorf("%w: InitialData: %v", ErrInvalid, err)
	}
	if len(b) != proto.DataLen {
		return out, fmt.Errorf("%w: InitialData must be %d bytes, got %d", ErrInvalid, proto.DataLen, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Level maps LogLevel to a slog level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: LogLevel %q", ErrInvalid, c.LogLevel)
	}
	return l, nil
}

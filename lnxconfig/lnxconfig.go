package lnxconfig

import (
	"net/netip"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// InterfaceConfig is one virtual interface. The string fields are what the
// file holds; the Assigned*/UDPAddr fields are filled in by Validate.
type InterfaceConfig struct {
	Name   string `yaml:"name"`
	IP     string `yaml:"ip"`
	Prefix string `yaml:"prefix"`
	UDP    string `yaml:"udp"`

	AssignedIP     netip.Addr     `yaml:"-"`
	AssignedPrefix netip.Prefix   `yaml:"-"`
	UDPAddr        netip.AddrPort `yaml:"-"`
}

// NeighborConfig is a host reachable directly on one of our interfaces.
type NeighborConfig struct {
	IP        string `yaml:"ip"`
	UDP       string `yaml:"udp"`
	Interface string `yaml:"interface"`

	DestAddr      netip.Addr     `yaml:"-"`
	UDPAddr       netip.AddrPort `yaml:"-"`
	InterfaceName string         `yaml:"-"`
}

type TCPConfig struct {
	MaxPayloadSize  uint64 `yaml:"max_payload_size"`
	InitialRTOMs    uint64 `yaml:"initial_rto_ms"`
	BufferCapacity  uint64 `yaml:"buffer_capacity"`
	MaxRetxAttempts uint64 `yaml:"max_retx_attempts"`
	TickIntervalMs  uint64 `yaml:"tick_interval_ms"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type IPConfig struct {
	Interfaces []InterfaceConfig `yaml:"interfaces"`
	Neighbors  []NeighborConfig  `yaml:"neighbors"`
	TCP        TCPConfig         `yaml:"tcp"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	LogLevel   string            `yaml:"log_level"`
}

// DefaultConfig returns a config with every tunable at its default and no
// interfaces.
func DefaultConfig() *IPConfig {
	return &IPConfig{
		TCP: TCPConfig{
			MaxPayloadSize:  1360,
			InitialRTOMs:    1000,
			BufferCapacity:  65535,
			MaxRetxAttempts: 8,
			TickIntervalMs:  10,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9100",
		},
		LogLevel: "info",
	}
}

// ParseConfig reads and validates the config file at path.
func ParseConfig(path string) (*IPConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*IPConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config and fills in the parsed address fields.
func (c *IPConfig) Validate() error {
	if len(c.Interfaces) == 0 {
		return errors.New("at least one interface is required")
	}

	names := make(map[string]int, len(c.Interfaces))
	for i := range c.Interfaces {
		iface := &c.Interfaces[i]
		if iface.Name == "" {
			return errors.Errorf("interfaces[%d]: name is empty", i)
		}
		if _, dup := names[iface.Name]; dup {
			return errors.Errorf("interfaces[%d]: duplicate name %q", i, iface.Name)
		}
		names[iface.Name] = i

		var err error
		if iface.AssignedIP, err = netip.ParseAddr(iface.IP); err != nil {
			return errors.Wrapf(err, "interfaces[%d].ip", i)
		}
		if !iface.AssignedIP.Is4() {
			return errors.Errorf("interfaces[%d].ip: %s is not IPv4", i, iface.IP)
		}
		if iface.AssignedPrefix, err = netip.ParsePrefix(iface.Prefix); err != nil {
			return errors.Wrapf(err, "interfaces[%d].prefix", i)
		}
		iface.AssignedPrefix = iface.AssignedPrefix.Masked()
		if !iface.AssignedPrefix.Contains(iface.AssignedIP) {
			return errors.Errorf("interfaces[%d]: %s is outside %s", i, iface.AssignedIP, iface.AssignedPrefix)
		}
		if iface.UDPAddr, err = netip.ParseAddrPort(iface.UDP); err != nil {
			return errors.Wrapf(err, "interfaces[%d].udp", i)
		}
	}

	for i := range c.Neighbors {
		n := &c.Neighbors[i]
		var err error
		if n.DestAddr, err = netip.ParseAddr(n.IP); err != nil {
			return errors.Wrapf(err, "neighbors[%d].ip", i)
		}
		if n.UDPAddr, err = netip.ParseAddrPort(n.UDP); err != nil {
			return errors.Wrapf(err, "neighbors[%d].udp", i)
		}
		if _, ok := names[n.Interface]; !ok {
			return errors.Errorf("neighbors[%d]: unknown interface %q", i, n.Interface)
		}
		n.InterfaceName = n.Interface
	}

	return c.TCP.validate()
}

func (t *TCPConfig) validate() error {
	switch {
	case t.MaxPayloadSize == 0:
		return errors.New("tcp.max_payload_size must be positive")
	case t.InitialRTOMs == 0:
		return errors.New("tcp.initial_rto_ms must be positive")
	case t.BufferCapacity == 0:
		return errors.New("tcp.buffer_capacity must be positive")
	case t.TickIntervalMs == 0:
		return errors.New("tcp.tick_interval_ms must be positive")
	}
	return nil
}

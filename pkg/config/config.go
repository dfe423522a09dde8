// Package config loads rdma-write settings from an optional YAML file.
// Command-line flags are applied on top of the loaded values by the CLI.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/Nativu5/rdma-write/pkg/connection"
	"github.com/Nativu5/rdma-write/pkg/endpoint"
	"github.com/Nativu5/rdma-write/pkg/verbs"
)

// Duration is a time.Duration written as "30s" in YAML.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// Config holds every tunable of a session.
type Config struct {
	// Provider names the verbs backend.
	Provider string `json:"provider"`
	// Device selects the verbs device; empty picks the first active one.
	Device   string `json:"device,omitempty"`
	IBPort   int    `json:"ibPort"`
	GIDIndex int    `json:"gidIndex"`

	BufferSize int `json:"bufferSize"`
	CQDepth    int `json:"cqDepth"`
	MaxSendWR  int `json:"maxSendWR"`
	MaxRecvWR  int `json:"maxRecvWR"`
	MaxSendSGE int `json:"maxSendSGE"`
	MaxRecvSGE int `json:"maxRecvSGE"`

	Connection ConnectionConfig `json:"connection"`

	// Listen is the responder's rendezvous address.
	Listen string `json:"listen,omitempty"`
	// Connect is the initiator's rendezvous address.
	Connect string `json:"connect,omitempty"`
	// Manual swaps descriptors through the terminal instead of TCP.
	Manual bool `json:"manual,omitempty"`

	// Timeout bounds the whole session.
	Timeout       Duration `json:"timeout"`
	WatchInterval Duration `json:"watchInterval"`
	WatchAttempts int      `json:"watchAttempts"`
	Message       string   `json:"message"`

	// MetricsAddr, if set, serves Prometheus metrics.
	MetricsAddr string `json:"metricsAddr,omitempty"`
}

// ConnectionConfig holds the queue pair transition attributes.
type ConnectionConfig struct {
	PathMTU         int    `json:"pathMTU"`
	SQPSN           uint32 `json:"sqPSN"`
	RQPSN           uint32 `json:"rqPSN"`
	Global          bool   `json:"global"`
	HopLimit        uint8  `json:"hopLimit"`
	ServiceLevel    uint8  `json:"serviceLevel"`
	MinRNRTimer     uint8  `json:"minRNRTimer"`
	Timeout         uint8  `json:"timeout"`
	RetryCount      uint8  `json:"retryCount"`
	RNRRetry        uint8  `json:"rnrRetry"`
	MaxRdAtomic     uint8  `json:"maxRdAtomic"`
	MaxDestRdAtomic uint8  `json:"maxDestRdAtomic"`
}

// Default returns the Soft-RoCE defaults.
func Default() Config {
	ep := endpoint.DefaultOptions()
	p := connection.DefaultParams()
	return Config{
		Provider:   verbs.HardwareProvider,
		IBPort:     ep.Port,
		GIDIndex:   ep.GIDIndex,
		BufferSize: ep.BufferSize,
		CQDepth:    ep.CQDepth,
		MaxSendWR:  int(ep.Cap.MaxSendWR),
		MaxRecvWR:  int(ep.Cap.MaxRecvWR),
		MaxSendSGE: int(ep.Cap.MaxSendSGE),
		MaxRecvSGE: int(ep.Cap.MaxRecvSGE),
		Connection: ConnectionConfig{
			PathMTU:         p.PathMTU.Bytes(),
			SQPSN:           p.SQPSN,
			RQPSN:           p.RQPSN,
			Global:          p.Global,
			HopLimit:        p.HopLimit,
			ServiceLevel:    p.ServiceLevel,
			MinRNRTimer:     p.MinRNRTimer,
			Timeout:         p.Timeout,
			RetryCount:      p.RetryCount,
			RNRRetry:        p.RNRRetry,
			MaxRdAtomic:     p.MaxRdAtomic,
			MaxDestRdAtomic: p.MaxDestRdAtomic,
		},
		Listen:        ":18515",
		Timeout:       Duration{2 * time.Minute},
		WatchInterval: Duration{time.Second},
		WatchAttempts: 10,
		Message:       "Client: Hello RDMA World!",
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values that cannot be caught later with a clear
// message.
func (c Config) Validate() error {
	var errs []error
	if c.Provider == "" {
		errs = append(errs, errors.New("provider must be set"))
	}
	if c.IBPort < 1 || c.IBPort > 255 {
		errs = append(errs, fmt.Errorf("ibPort %d out of range 1-255", c.IBPort))
	}
	if c.GIDIndex < 0 || c.GIDIndex > 255 {
		errs = append(errs, fmt.Errorf("gidIndex %d out of range 0-255", c.GIDIndex))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("bufferSize must be positive, got %d", c.BufferSize))
	}
	if len(c.Message)+1 > c.BufferSize {
		errs = append(errs, fmt.Errorf("message of %d bytes plus NUL does not fit bufferSize %d", len(c.Message), c.BufferSize))
	}
	if c.CQDepth <= 0 {
		errs = append(errs, fmt.Errorf("cqDepth must be positive, got %d", c.CQDepth))
	}
	if c.MaxSendWR <= 0 || c.MaxRecvWR <= 0 || c.MaxSendSGE <= 0 || c.MaxRecvSGE <= 0 {
		errs = append(errs, errors.New("queue pair capacities must be positive"))
	}
	if c.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.WatchInterval.Duration <= 0 {
		errs = append(errs, errors.New("watchInterval must be positive"))
	}
	if _, err := c.ConnectionParams(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// EndpointOptions converts the resource settings.
func (c Config) EndpointOptions() endpoint.Options {
	return endpoint.Options{
		DeviceName: c.Device,
		Port:       c.IBPort,
		GIDIndex:   c.GIDIndex,
		BufferSize: c.BufferSize,
		CQDepth:    c.CQDepth,
		Cap: verbs.QPCap{
			MaxSendWR:  uint32(c.MaxSendWR),
			MaxRecvWR:  uint32(c.MaxRecvWR),
			MaxSendSGE: uint32(c.MaxSendSGE),
			MaxRecvSGE: uint32(c.MaxRecvSGE),
		},
	}
}

// ConnectionParams converts and validates the transition attributes.
func (c Config) ConnectionParams() (connection.Params, error) {
	p := connection.DefaultParams()
	mtu, err := verbs.MTUFromBytes(c.Connection.PathMTU)
	if err != nil {
		return p, err
	}
	p.Port = uint8(c.IBPort)
	p.GIDIndex = uint8(c.GIDIndex)
	p.PathMTU = mtu
	p.SQPSN = c.Connection.SQPSN
	p.RQPSN = c.Connection.RQPSN
	p.Global = c.Connection.Global
	p.HopLimit = c.Connection.HopLimit
	p.ServiceLevel = c.Connection.ServiceLevel
	p.MinRNRTimer = c.Connection.MinRNRTimer
	p.Timeout = c.Connection.Timeout
	p.RetryCount = c.Connection.RetryCount
	p.RNRRetry = c.Connection.RNRRetry
	p.MaxRdAtomic = c.Connection.MaxRdAtomic
	p.MaxDestRdAtomic = c.Connection.MaxDestRdAtomic
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

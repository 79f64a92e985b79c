// Package config collects the tunables referenced throughout spec.md §4/§5
// into one struct, with defaults matching the spec's suggested constants and
// an optional TOML loader in the teacher's own config style
// (github.com/naoina/toml, as used for geth's config.toml).
package config

import (
	"os"
	"time"

	"github.com/naoina/toml"
)

// Config holds every timing/sizing constant used by the overlay engines.
// Field names track the spec section that introduces the constant.
type Config struct {
	// Routing table (spec.md §3, §4.3)
	BucketSize   int           `toml:"bucket_size"`   // K = 20
	PingTimeout  time.Duration `toml:"ping_timeout"`  // bucket-eviction ping, 2s
	MaxQuery     int           `toml:"max_query"`      // alpha, e.g. 3
	QueryTimeout time.Duration `toml:"query_timeout"`

	// Peer directory (spec.md §4.2)
	TimerInterval time.Duration `toml:"timer_interval"` // sweep jitter base
	MapTTL        time.Duration `toml:"map_ttl"`
	TimeoutTTL    time.Duration `toml:"timeout_ttl"`

	// NAT classifier (spec.md §4.4)
	EchoTimeout  time.Duration `toml:"echo_timeout"`  // 3s
	NATRetry     time.Duration `toml:"nat_retry"`      // 30s

	// DTUN (spec.md §4.5)
	RegisterTimeout time.Duration `toml:"register_timeout"`
	RegisterTTL     time.Duration `toml:"register_ttl"`     // rendezvous entry lifetime without a re-register
	RegisterSweep   time.Duration `toml:"register_sweep"`   // registry expiry sweep base interval

	// DHT (spec.md §4.6)
	StoreTTLDefault time.Duration `toml:"store_ttl_default"`

	// Proxy (spec.md §4.7)
	ProxyRegisterInterval time.Duration `toml:"proxy_register_interval"`

	// Advertise (spec.md §4.2 supplement, original_source/src/advertise.hpp)
	AdvertiseTTL             time.Duration `toml:"advertise_ttl"`
	AdvertiseTimeout         time.Duration `toml:"advertise_timeout"`
	AdvertiseRefreshInterval time.Duration `toml:"advertise_refresh_interval"`

	// Dgram (spec.md §4.8)
	MaxData int `toml:"max_data"` // 1024 byte chunks

	// RDP (spec.md §4.9)
	RDPMaxData     int           `toml:"rdp_max_data"`
	RDPAckInterval time.Duration `toml:"rdp_ack_interval"` // ~300ms
	RDPTick        time.Duration `toml:"rdp_tick"`         // retransmit tick ~300ms
	RDPMaxRetrans  time.Duration `toml:"rdp_max_retrans"`  // 32s ceiling
	RDPInitialRTO  time.Duration `toml:"rdp_initial_rto"`  // 1s
	RDPRcvMax      uint32        `toml:"rdp_rcv_max"`
	RDPSndMax      uint32        `toml:"rdp_snd_max"`
	RDPWellKnownPortMax uint16   `toml:"rdp_well_known_port_max"`
	RDPMaxEAK      int           `toml:"rdp_max_eak"` // 64

	// Dispatch / diagnostics
	NTPFailureThreshold int           `toml:"ntp_failure_threshold"`
	NTPWarnCooldown     time.Duration `toml:"ntp_warn_cooldown"`
	NTPDriftThreshold   time.Duration `toml:"ntp_drift_threshold"`
}

// Default returns the spec's suggested defaults.
func Default() *Config {
	return &Config{
		BucketSize:   20,
		PingTimeout:  2 * time.Second,
		MaxQuery:     3,
		QueryTimeout: 2 * time.Second,

		TimerInterval: 2 * time.Minute,
		MapTTL:        10 * time.Minute,
		TimeoutTTL:    1 * time.Minute,

		EchoTimeout: 3 * time.Second,
		NATRetry:    30 * time.Second,

		RegisterTimeout: 5 * time.Second,
		RegisterTTL:     10 * time.Minute,
		RegisterSweep:   2 * time.Minute,

		StoreTTLDefault: 5 * time.Minute,

		ProxyRegisterInterval: 5 * time.Second,

		AdvertiseTTL:             10 * time.Minute,
		AdvertiseTimeout:         5 * time.Second,
		AdvertiseRefreshInterval: 2 * time.Minute,

		MaxData: 1024,

		RDPMaxData:          1024,
		RDPAckInterval:      300 * time.Millisecond,
		RDPTick:             300 * time.Millisecond,
		RDPMaxRetrans:       32 * time.Second,
		RDPInitialRTO:       1 * time.Second,
		RDPRcvMax:           32,
		RDPSndMax:           32,
		RDPWellKnownPortMax: 1024,
		RDPMaxEAK:           64,

		NTPFailureThreshold: 32,
		NTPWarnCooldown:     10 * time.Minute,
		NTPDriftThreshold:   10 * time.Second,
	}
}

// LoadTOML reads a TOML config file and applies it on top of Default().
func LoadTOML(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

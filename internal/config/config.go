// Package config loads and validates a participant's configuration,
// covering every row of spec §6.5, following the teacher's own config
// packages: TOML via github.com/BurntSushi/toml decoded into nested
// structs with a Validate method, plus environment variable overrides
// applied after decode.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rtpsmesh/ddscore/internal/ddserrors"
	"github.com/rtpsmesh/ddscore/qos"
)

// TransportMode selects how a participant reaches the network.
type TransportMode string

const (
	TransportMulticast   TransportMode = "multicast"
	TransportUnicastOnly TransportMode = "unicast-only"
	TransportInProcess   TransportMode = "in-process"
)

// TopicQoS is a named set of QoS defaults applied to writers/readers on one
// topic unless overridden by the application at creation time.
type TopicQoS struct {
	Topic                 string   `toml:"topic"`
	Reliability           string   `toml:"reliability"` // "reliable" | "best-effort"
	Durability            string   `toml:"durability"`  // "volatile" | "transient-local" | "persistent"
	HistoryKind           string   `toml:"history_kind"` // "keep-last" | "keep-all"
	HistoryDepth          int      `toml:"history_depth"`
	DeadlineMillis        int64    `toml:"deadline_ms"`
	LivelinessKind        string   `toml:"liveliness_kind"` // "automatic" | "manual-by-participant" | "manual-by-topic"
	LivelinessLeaseMillis int64    `toml:"liveliness_lease_ms"`
	Ownership             string   `toml:"ownership"` // "shared" | "exclusive"
	OwnershipStrength     int32    `toml:"ownership_strength"`
	Partitions            []string `toml:"partitions"`
	MaxSamples            int      `toml:"max_samples"`
	MaxInstances           int      `toml:"max_instances"`
	MaxSamplesPerInstance int      `toml:"max_samples_per_instance"`
}

// Policies converts a TopicQoS row into the runtime qos.Policies it
// describes, falling back to qos.Default() for any unset field.
func (t TopicQoS) Policies() qos.Policies {
	p := qos.Default()
	if t.Reliability == "reliable" {
		p.Reliability = qos.Reliable
	}
	switch t.Durability {
	case "transient-local":
		p.Durability = qos.TransientLocal
	case "persistent":
		p.Durability = qos.Persistent
	}
	if t.HistoryKind == "keep-all" {
		p.History.Kind = qos.KeepAll
	}
	if t.HistoryDepth > 0 {
		p.History.Depth = t.HistoryDepth
	}
	if t.DeadlineMillis > 0 {
		p.Deadline = time.Duration(t.DeadlineMillis) * time.Millisecond
	}
	switch t.LivelinessKind {
	case "manual-by-participant":
		p.Liveliness.Kind = qos.ManualByParticipant
	case "manual-by-topic":
		p.Liveliness.Kind = qos.ManualByTopic
	}
	if t.LivelinessLeaseMillis > 0 {
		p.Liveliness.Lease = time.Duration(t.LivelinessLeaseMillis) * time.Millisecond
	}
	if t.Ownership == "exclusive" {
		p.Ownership.Kind = qos.ExclusiveOwnership
		p.Ownership.Strength = t.OwnershipStrength
	}
	p.Partitions = t.Partitions
	p.Resources = qos.ResourceLimits{
		MaxSamples:            t.MaxSamples,
		MaxInstances:          t.MaxInstances,
		MaxSamplesPerInstance: t.MaxSamplesPerInstance,
	}
	return p
}

// StaticPeer is one statically configured destination locator, used when
// TransportMode forbids multicast discovery.
type StaticPeer struct {
	Address string `toml:"address"`
}

// Config is a participant's full configuration surface (spec §6.5).
type Config struct {
	DomainID          int           `toml:"domain_id"`
	ParticipantName   string        `toml:"participant_name"`
	LeaseDurationSecs int           `toml:"lease_duration_secs"`
	Transport         TransportMode `toml:"transport"`
	MetricsNamespace  string        `toml:"metrics_namespace"`
	DiagnosticsAddr   string        `toml:"diagnostics_addr"`

	// FragmentSize bounds a single DATA submessage payload before a writer
	// splits a sample into DATA_FRAG fragments of this size (spec §4.6).
	FragmentSize int `toml:"fragment_size"`

	Topics      []TopicQoS   `toml:"topics"`
	StaticPeers []StaticPeer `toml:"static_peers"`
}

// defaultConfig is the baseline every Load starts from before decoding the
// file on top of it.
var defaultConfig = Config{
	DomainID:          0,
	ParticipantName:   "participant",
	LeaseDurationSecs: 10,
	Transport:         TransportMulticast,
	MetricsNamespace:  "ddscore",
	FragmentSize:      64 * 1024,
}

// Load reads and decodes a TOML configuration file at path, applies
// environment variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, ddserrors.New(ddserrors.Configuration, fmt.Sprintf("loading %s", path), err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides layers DDS_-prefixed environment variables over a
// decoded config, following the teacher's own override convention.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DDS_DOMAIN_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DomainID = n
		}
	}
	if v := os.Getenv("DDS_PARTICIPANT_NAME"); v != "" {
		cfg.ParticipantName = v
	}
	if v := os.Getenv("DDS_LEASE_DURATION_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeaseDurationSecs = n
		}
	}
	if v := os.Getenv("DDS_TRANSPORT"); v != "" {
		cfg.Transport = TransportMode(v)
	}
	if v := os.Getenv("DDS_FRAGMENT_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FragmentSize = n
		}
	}
}

// Validate checks the configuration for the kinds of errors that must fail
// participant creation (spec §7: "only catastrophic initialization errors
// ... fail the participant's creation").
func (c *Config) Validate() error {
	if c.DomainID < 0 || c.DomainID > 232 {
		return ddserrors.New(ddserrors.Configuration, fmt.Sprintf("domain id %d out of range [0,232]", c.DomainID), nil)
	}
	if c.LeaseDurationSecs <= 0 {
		return ddserrors.New(ddserrors.Configuration, "lease_duration_secs must be positive", nil)
	}
	if c.FragmentSize <= 0 {
		return ddserrors.New(ddserrors.Configuration, "fragment_size must be positive", nil)
	}
	switch c.Transport {
	case TransportMulticast, TransportUnicastOnly, TransportInProcess:
	default:
		return ddserrors.New(ddserrors.Configuration, fmt.Sprintf("unrecognized transport mode %q", c.Transport), nil)
	}
	if c.Transport == TransportUnicastOnly && len(c.StaticPeers) == 0 {
		return ddserrors.New(ddserrors.Configuration, "unicast-only transport requires at least one static peer", nil)
	}
	seen := make(map[string]struct{}, len(c.Topics))
	for _, t := range c.Topics {
		if t.Topic == "" {
			return ddserrors.New(ddserrors.Configuration, "topic QoS entry missing topic name", nil)
		}
		if _, dup := seen[t.Topic]; dup {
			return ddserrors.New(ddserrors.Configuration, fmt.Sprintf("duplicate topic QoS entry for %q", t.Topic), nil)
		}
		seen[t.Topic] = struct{}{}
	}
	return nil
}

// LeaseDuration returns the configured lease duration as a time.Duration.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationSecs) * time.Second
}

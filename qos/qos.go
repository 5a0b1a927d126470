// Package qos implements the quality-of-service policy set negotiated
// between writers and readers, and the compatibility rules of spec §4.7.
package qos

import (
	"fmt"
	"path"
	"time"
)

// Reliability selects best-effort or reliable delivery.
type Reliability int

const (
	BestEffort Reliability = iota
	Reliable
)

// Durability selects how long a writer's samples remain available to
// late-joining readers.
type Durability int

const (
	Volatile Durability = iota
	TransientLocal
	Persistent
)

// LivelinessKind selects how liveliness is asserted.
type LivelinessKind int

const (
	Automatic LivelinessKind = iota
	ManualByParticipant
	ManualByTopic
)

// OwnershipKind selects exclusive-access semantics for keyed instances.
type OwnershipKind int

const (
	SharedOwnership OwnershipKind = iota
	ExclusiveOwnership
)

// History selects sample retention policy.
type HistoryKind int

const (
	KeepLast HistoryKind = iota
	KeepAll
)

// PolicyID names a single QoS dimension, used in on-incompatible-qos events
// (spec §3 Event).
type PolicyID int

const (
	PolicyReliability PolicyID = iota
	PolicyDurability
	PolicyDeadline
	PolicyLiveliness
	PolicyOwnership
	PolicyPartition
)

func (p PolicyID) String() string {
	switch p {
	case PolicyReliability:
		return "reliability"
	case PolicyDurability:
		return "durability"
	case PolicyDeadline:
		return "deadline"
	case PolicyLiveliness:
		return "liveliness"
	case PolicyOwnership:
		return "ownership"
	case PolicyPartition:
		return "partition"
	default:
		return "unknown"
	}
}

// History bundles the history QoS kind and its depth (meaningful for
// KeepLast).
type History struct {
	Kind  HistoryKind
	Depth int
}

// ResourceLimits bounds cache growth (spec §6.5).
type ResourceLimits struct {
	MaxSamples          int
	MaxInstances         int
	MaxSamplesPerInstance int
}

// Liveliness bundles kind and lease duration.
type Liveliness struct {
	Kind  LivelinessKind
	Lease time.Duration
}

// Ownership bundles kind and, for exclusive ownership, a strength used to
// break ties (spec §9: "source appears to break ties by writer GUID" when
// strengths are equal — arbitrated per-instance in internal/subcache).
type Ownership struct {
	Kind     OwnershipKind
	Strength int32
}

// Policies is the full QoS policy set attached to a writer or reader.
type Policies struct {
	Reliability Reliability
	Durability  Durability
	History     History
	Deadline    time.Duration // 0 means "no deadline"
	Liveliness  Liveliness
	Ownership   Ownership
	Partitions  []string
	Resources   ResourceLimits
}

// Default returns the RTPS default policy set: best-effort, volatile,
// keep-last(1), no deadline, automatic liveliness, shared ownership, no
// partitions.
func Default() Policies {
	return Policies{
		Reliability: BestEffort,
		Durability:  Volatile,
		History:     History{Kind: KeepLast, Depth: 1},
		Liveliness:  Liveliness{Kind: Automatic},
		Ownership:   Ownership{Kind: SharedOwnership},
		Resources:   ResourceLimits{MaxSamples: 0, MaxInstances: 0, MaxSamplesPerInstance: 0},
	}
}

// Incompatibility describes one failed policy comparison, as surfaced by
// on-incompatible-qos.
type Incompatibility struct {
	Policy   PolicyID
	Offered  fmt.Stringer
	Requested fmt.Stringer
}

type stringerFunc func() string

func (f stringerFunc) String() string { return f() }

// Compatible evaluates a writer's offered policies against a reader's
// requested policies per spec §4.7's matching rules. It returns every
// incompatible policy found (not just the first), so callers can report a
// complete on-incompatible-qos picture.
func Compatible(offered, requested Policies) []Incompatibility {
	var out []Incompatibility

	if requested.Reliability == Reliable && offered.Reliability != Reliable {
		out = append(out, Incompatibility{
			Policy:    PolicyReliability,
			Offered:   stringerFunc(func() string { return reliabilityString(offered.Reliability) }),
			Requested: stringerFunc(func() string { return reliabilityString(requested.Reliability) }),
		})
	}

	if requested.Durability > offered.Durability {
		out = append(out, Incompatibility{
			Policy:    PolicyDurability,
			Offered:   stringerFunc(func() string { return durabilityString(offered.Durability) }),
			Requested: stringerFunc(func() string { return durabilityString(requested.Durability) }),
		})
	}

	if requested.Deadline > 0 {
		if offered.Deadline == 0 || offered.Deadline > requested.Deadline {
			out = append(out, Incompatibility{
				Policy:    PolicyDeadline,
				Offered:   stringerFunc(func() string { return offered.Deadline.String() }),
				Requested: stringerFunc(func() string { return requested.Deadline.String() }),
			})
		}
	}

	if requested.Liveliness.Kind > offered.Liveliness.Kind {
		out = append(out, Incompatibility{
			Policy:    PolicyLiveliness,
			Offered:   stringerFunc(func() string { return livelinessString(offered.Liveliness.Kind) }),
			Requested: stringerFunc(func() string { return livelinessString(requested.Liveliness.Kind) }),
		})
	} else if offered.Liveliness.Lease > requested.Liveliness.Lease && requested.Liveliness.Lease > 0 {
		out = append(out, Incompatibility{
			Policy:    PolicyLiveliness,
			Offered:   stringerFunc(func() string { return offered.Liveliness.Lease.String() }),
			Requested: stringerFunc(func() string { return requested.Liveliness.Lease.String() }),
		})
	}

	if offered.Ownership.Kind != requested.Ownership.Kind {
		out = append(out, Incompatibility{
			Policy:    PolicyOwnership,
			Offered:   stringerFunc(func() string { return ownershipString(offered.Ownership.Kind) }),
			Requested: stringerFunc(func() string { return ownershipString(requested.Ownership.Kind) }),
		})
	}

	if !partitionsMatch(offered.Partitions, requested.Partitions) {
		out = append(out, Incompatibility{
			Policy:    PolicyPartition,
			Offered:   stringerFunc(func() string { return fmt.Sprint(offered.Partitions) }),
			Requested: stringerFunc(func() string { return fmt.Sprint(requested.Partitions) }),
		})
	}

	return out
}

// partitionsMatch reports whether some name in a and some name in b are
// equal or either one matches the other as a glob (or both are empty, the
// default partition). Patterns follow path.Match shell-glob semantics.
func partitionsMatch(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	for _, pa := range a {
		for _, pb := range b {
			if pa == pb {
				return true
			}
			if ok, _ := path.Match(pa, pb); ok {
				return true
			}
			if ok, _ := path.Match(pb, pa); ok {
				return true
			}
		}
	}
	return false
}

func reliabilityString(r Reliability) string {
	if r == Reliable {
		return "reliable"
	}
	return "best-effort"
}

func durabilityString(d Durability) string {
	switch d {
	case Persistent:
		return "persistent"
	case TransientLocal:
		return "transient-local"
	default:
		return "volatile"
	}
}

func livelinessString(l LivelinessKind) string {
	switch l {
	case ManualByTopic:
		return "manual-by-topic"
	case ManualByParticipant:
		return "manual-by-participant"
	default:
		return "automatic"
	}
}

func ownershipString(o OwnershipKind) string {
	if o == ExclusiveOwnership {
		return "exclusive"
	}
	return "shared"
}

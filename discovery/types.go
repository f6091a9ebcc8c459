// Package discovery implements the name/metadata directory used to find
// actors and other instances across nodes: registration with optional TTL,
// query by name/metadata/criteria, and random load-balanced selection.
package discovery

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrInstanceNotFound is a sentinel for a missing instance. None of the
// backends in this package return it; QueryService reports a miss through
// its bool result instead.
var ErrInstanceNotFound = errors.New("discovery: instance not found")

// ServiceMetadata is the discovery-level projection of an actor's (or other
// registrant's) metadata, independent of any particular backend's wire
// format.
type ServiceMetadata struct {
	Version          string            `json:"version"`
	Region           string            `json:"region"`
	Environment      string            `json:"environment"`
	Weight           int               `json:"weight"`
	Tags             []string          `json:"tags"`
	CustomAttributes map[string]string `json:"custom_attributes"`
}

// ServiceInstance is one registered, addressable endpoint under a service
// name. ExpiresAt is the zero time.Time when the instance never expires.
type ServiceInstance struct {
	ServiceName string          `json:"service_name"`
	InstanceID  string          `json:"instance_id"`
	Address     string          `json:"address"`
	Metadata    ServiceMetadata `json:"metadata"`
	ExpiresAt   time.Time       `json:"expiration_time"`
}

// Expired reports whether the instance's TTL has elapsed as of now.
// An instance with a zero ExpiresAt never expires.
func (i ServiceInstance) Expired(now time.Time) bool {
	if i.ExpiresAt.IsZero() {
		return false
	}
	return !i.ExpiresAt.After(now)
}

// Criteria selects instances by well-known ServiceMetadata fields plus a
// required-tag set. Empty fields are wildcards; RequiredTags uses
// set-containment (every listed tag must be present).
type Criteria struct {
	Version      string
	Region       string
	Environment  string
	RequiredTags []string
}

// MatchesFilters implements the filter semantics of query_by_metadata
// (query_by_criteria uses MatchesCriteria): well-known keys (version, region, environment,
// weight) compare against their typed field; "tag" checks set membership;
// any other key compares against CustomAttributes. A missing field matches
// only when the field is empty and the filter value is also effectively a
// wildcard for that predicate; otherwise a missing match is a mismatch. All
// predicates must hold.
func (m ServiceMetadata) MatchesFilters(filters map[string]string) bool {
	for key, want := range filters {
		if want == "" {
			continue
		}
		switch key {
		case "version":
			if m.Version == "" || m.Version != want {
				return false
			}
		case "region":
			if m.Region == "" || m.Region != want {
				return false
			}
		case "environment":
			if m.Environment == "" || m.Environment != want {
				return false
			}
		case "weight":
			if strconv.Itoa(m.Weight) != want {
				return false
			}
		case "tag":
			if !containsString(m.Tags, want) {
				return false
			}
		default:
			got, ok := m.CustomAttributes[key]
			if !ok || got != want {
				return false
			}
		}
	}
	return true
}

// MatchesCriteria applies the typed Criteria form used by query_by_criteria.
func (m ServiceMetadata) MatchesCriteria(c Criteria) bool {
	if c.Version != "" && m.Version != c.Version {
		return false
	}
	if c.Region != "" && m.Region != c.Region {
		return false
	}
	if c.Environment != "" && m.Environment != c.Environment {
		return false
	}
	for _, tag := range c.RequiredTags {
		if !containsString(m.Tags, tag) {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Discovery is the capability set every backend (local, etcd, Redis, Consul,
// Nacos) implements identically: register, deregister, and three query
// shapes. A ttl of zero means "does not expire".
type Discovery interface {
	Register(ctx context.Context, instance ServiceInstance, ttl time.Duration) error
	Deregister(ctx context.Context, serviceName, instanceID string) error
	QueryService(ctx context.Context, serviceName string) (ServiceInstance, bool, error)
	QueryAll(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	QueryByMetadata(ctx context.Context, filters map[string]string) ([]ServiceInstance, error)
	QueryByCriteria(ctx context.Context, serviceName string, criteria Criteria) ([]ServiceInstance, error)
	Close() error
}

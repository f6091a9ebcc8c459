// Package actor implements the Actor Registry and Distributed Actor Runtime:
// local registration, remote discovery, lifecycle, cluster-wide lookup by
// name/type/group, and heartbeats.
package actor

import (
	"context"
	"time"

	"github.com/cuihairu/shield/discovery"
)

// Type is the closed enumeration of actor kinds. Unknown tags decode to
// Custom.
type Type int

const (
	TypeGateway Type = iota
	TypeLogic
	TypeDatabase
	TypeAuth
	TypeMonitor
	TypeCustom
)

// allTypes lists every service-name bucket the registry and runtime scan
// when doing a cluster-wide search; it intentionally includes Custom.
var allTypes = []Type{TypeGateway, TypeLogic, TypeDatabase, TypeAuth, TypeMonitor, TypeCustom}

// String renders the lowercase wire tag for a Type.
func (t Type) String() string {
	switch t {
	case TypeGateway:
		return "gateway"
	case TypeLogic:
		return "logic"
	case TypeDatabase:
		return "database"
	case TypeAuth:
		return "auth"
	case TypeMonitor:
		return "monitor"
	default:
		return "custom"
	}
}

// ParseType decodes a wire tag into a Type; unrecognized tags decode to
// TypeCustom rather than erroring, matching the spec's "unknown tags decode
// to Custom" rule.
func ParseType(s string) Type {
	switch s {
	case "gateway":
		return TypeGateway
	case "logic":
		return TypeLogic
	case "database":
		return TypeDatabase
	case "auth":
		return TypeAuth
	case "monitor":
		return TypeMonitor
	default:
		return TypeCustom
	}
}

// ServiceName returns the discovery service-name bucket for this type,
// "actor:<type>".
func (t Type) ServiceName() string {
	return "actor:" + t.String()
}

// Reserved metadata tag keys that callers must not set directly; the
// registry owns these.
const (
	TagNodeID       = "node_id"
	TagServiceGroup = "service_group"
	TagActorType    = "actor_type"
)

// Metadata describes one actor for addressing and discovery purposes.
type Metadata struct {
	Type          Type
	Name          string
	NodeID        string
	ServiceGroup  string
	Tags          map[string]string
	LoadWeight    uint32
	LastHeartbeat time.Time
}

// Mailbox is the minimal capability a registered actor exposes to the
// runtime: deliver one request, synchronously, and produce a reply. Both
// locally-hosted actors (the Scripted Actor Bridge included) and in-process
// stand-ins for remote actors implement this.
type Mailbox interface {
	Deliver(ctx context.Context, msgType string, payload []byte) ([]byte, error)
}

// Handle is an opaque reference to an actor's mailbox, either owned locally
// or proxying a remote one discovered through the cluster. Handle.Mailbox
// is nil only in the zero Handle returned by a failed lookup; a remote
// whose connection could not be established is reported as not found
// rather than as a Handle (no negative caching, but also no retained broken
// reference).
type Handle struct {
	URI     string
	IsLocal bool
	Mailbox Mailbox
}

// Valid reports whether the handle actually has something to send to.
func (h Handle) Valid() bool {
	return h.Mailbox != nil
}

// RegisteredActor is a local catalog entry: a handle plus the metadata and
// discovery projection that describe it.
type RegisteredActor struct {
	Handle   Handle
	Metadata Metadata
	URI      string
	IsLocal  bool
}

// ToServiceInstance projects an actor's metadata onto the discovery layer's
// wire shape. expiration is left to the caller (the registry passes the
// heartbeat TTL at register/renew time); the discovery instance's
// CustomAttributes always carries node_id/service_group/actor_type plus
// the actor's own tags, in that precedence order, so caller-supplied tags
// cannot shadow the reserved keys.
func (m Metadata) ToServiceInstance(uri string) discovery.ServiceInstance {
	custom := make(map[string]string, len(m.Tags)+3)
	for k, v := range m.Tags {
		custom[k] = v
	}
	custom[TagNodeID] = m.NodeID
	custom[TagServiceGroup] = m.ServiceGroup
	custom[TagActorType] = m.Type.String()

	weight := int(m.LoadWeight)
	if weight == 0 {
		weight = 100
	}

	return discovery.ServiceInstance{
		ServiceName: m.Type.ServiceName(),
		InstanceID:  m.Name,
		Address:     uri,
		Metadata: discovery.ServiceMetadata{
			Version:          "1.0.0",
			Region:           "local",
			Environment:      "prod",
			Weight:           weight,
			Tags:             []string{"actor", m.Type.String()},
			CustomAttributes: custom,
		},
	}
}

// MetadataFromServiceInstance reverses ToServiceInstance, used when the
// registry resolves a remote ServiceInstance back into actor metadata.
// actor_type defaults to TypeCustom when the attribute is absent.
func MetadataFromServiceInstance(inst discovery.ServiceInstance) Metadata {
	custom := inst.Metadata.CustomAttributes
	typ := TypeCustom
	if raw, ok := custom["actor_type"]; ok {
		typ = ParseType(raw)
	}

	tags := make(map[string]string, len(custom))
	for k, v := range custom {
		if k == TagNodeID || k == TagServiceGroup || k == TagActorType {
			continue
		}
		tags[k] = v
	}

	return Metadata{
		Type:         typ,
		Name:         inst.InstanceID,
		NodeID:       custom[TagNodeID],
		ServiceGroup: custom[TagServiceGroup],
		Tags:         tags,
		LoadWeight:   uint32(inst.Metadata.Weight),
	}
}

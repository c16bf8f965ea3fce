// Package topology implements the cluster data model: spaces, regions,
// entities, instances, and the immutable Snapshot a coordinator
// publishes. The Snapshot interface is the external collaborator a real
// coordinator client would implement; this package also carries one
// concrete, in-memory implementation (see builder.go) for tests, the
// demo CLI, and internal/coordclient's default wiring.
package topology

import (
	"fmt"

	"github.com/jsp-lqk/metaring/internal/wire"
)

// SpaceID is the opaque handle a Snapshot hands back for a named space.
type SpaceID uint32

// NullSpace denotes "unknown space".
const NullSpace SpaceID = 0

// Entity re-exports wire.EntityID: entities are wire-serializable, fixed
// width, and addressed by the same identifier on the wire and in the
// topology map.
type Entity = wire.EntityID

// ClientSpace is the reserved entity denoting "this client, identity not
// yet learned from the server".
var ClientSpace = wire.ClientSpace

// Instance is a network endpoint plus an inbound_version identifying a
// node's incarnation. Two instances with equal endpoint but different
// versions are distinct values.
type Instance struct {
	Host           string
	Port           int
	InboundVersion uint16
}

// NullInstance denotes "no node currently responsible".
var NullInstance = Instance{}

// IsNull reports whether inst is the NullInstance sentinel.
func (inst Instance) IsNull() bool {
	return inst == NullInstance
}

func (inst Instance) String() string {
	if inst.IsNull() {
		return "NULLINSTANCE"
	}
	return fmt.Sprintf("%s:%d@%d", inst.Host, inst.Port, inst.InboundVersion)
}

// RegionID names a shard range: (space, subspace-index, prefix-bits,
// prefix-value). Routing always builds the point-leader region: subspace
// 0, prefix-bits 64, prefix-value = hash64(key).
type RegionID struct {
	Space       SpaceID
	Subspace    uint16
	PrefixBits  uint8
	PrefixValue uint64
}

// PointLeader builds the point-leader region for a given space and key
// hash.
func PointLeader(space SpaceID, keyHash uint64) RegionID {
	return RegionID{Space: space, Subspace: 0, PrefixBits: 64, PrefixValue: keyHash}
}

// Snapshot is an immutable view of the cluster's space/region/entity/
// instance mappings at a point in time. A coordinator link replaces it
// atomically whenever it reports an update.
type Snapshot interface {
	// LookupSpaceID resolves a space name, or NullSpace if unknown.
	LookupSpaceID(name string) SpaceID

	// LookupSpaceDimensions returns the ordered attribute names of a
	// space; position 0 is always the key.
	LookupSpaceDimensions(id SpaceID) []string

	// HeadOf resolves the entity currently responsible for a region.
	HeadOf(region RegionID) Entity

	// InstanceFor resolves the network instance currently hosting an
	// entity, or NullInstance if none.
	InstanceFor(entity Entity) Instance
}

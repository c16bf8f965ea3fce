package topology

import (
	"hash/fnv"

	jump "github.com/dgryski/go-jump"
)

// SpaceDef describes one named space for Builder: its name and its
// ordered dimension list (position 0 is always the key).
type SpaceDef struct {
	Name       string
	Dimensions []string
}

// Builder assembles an in-memory Snapshot. It plays the role the real
// coordinator plays server-side: deciding which instance is responsible
// for which region. Region ownership is computed with jump-consistent
// hashing over the current instance list (jump.Hash(fnv64a(key),
// len(instances))) inside the snapshot's headof/instancefor; the
// snapshot is built and queried in the client process.
type Builder struct {
	spaces    []SpaceDef
	instances []Instance
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithSpace registers a space definition and returns the Builder for
// chaining.
func (b *Builder) WithSpace(def SpaceDef) *Builder {
	b.spaces = append(b.spaces, def)
	return b
}

// WithInstances appends to the ordered list of known instances. Order matters:
// jump-consistent hashing is stable with respect to a list's order and
// minimizes reassignment when instances are appended, but reshuffles when
// instances are removed from the middle.
func (b *Builder) WithInstances(instances ...Instance) *Builder {
	b.instances = append(b.instances, instances...)
	return b
}

// Build produces an immutable Snapshot from the registered spaces and
// instances.
func (b *Builder) Build() Snapshot {
	spaceIDs := make(map[string]SpaceID, len(b.spaces))
	dims := make(map[SpaceID][]string, len(b.spaces))
	for i, def := range b.spaces {
		id := SpaceID(i + 1) // 0 is reserved for NullSpace
		spaceIDs[def.Name] = id
		dims[id] = def.Dimensions
	}
	instances := make([]Instance, len(b.instances))
	copy(instances, b.instances)

	return &mapSnapshot{
		spaceIDs:  spaceIDs,
		dims:      dims,
		instances: instances,
	}
}

type mapSnapshot struct {
	spaceIDs  map[string]SpaceID
	dims      map[SpaceID][]string
	instances []Instance
}

func (s *mapSnapshot) LookupSpaceID(name string) SpaceID {
	if id, ok := s.spaceIDs[name]; ok {
		return id
	}
	return NullSpace
}

func (s *mapSnapshot) LookupSpaceDimensions(id SpaceID) []string {
	return s.dims[id]
}

func (s *mapSnapshot) HeadOf(region RegionID) Entity {
	if region.Space == NullSpace || len(s.instances) == 0 {
		return ClientSpace
	}
	idx := jumpIndex(region.PrefixValue, len(s.instances))
	return Entity{Space: uint32(region.Space), Number: uint32(idx)}
}

func (s *mapSnapshot) InstanceFor(entity Entity) Instance {
	if entity.Space == uint32(NullSpace) {
		return NullInstance
	}
	if int(entity.Number) >= len(s.instances) {
		return NullInstance
	}
	return s.instances[entity.Number]
}

// jumpIndex maps a 64-bit key hash onto one of n buckets using
// jump-consistent hashing, re-hashed through fnv64a first the same way
// sharded_router.go feeds jump.Hash — jump.Hash expects a well-mixed
// 64-bit input, and a raw region prefix value is already the output of
// keyhash.Hash64, but passing it through fnv64a again keeps this
// function usable with any uint64, not only ones already produced by
// that specific hash.
func jumpIndex(key uint64, n int) int32 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(key >> (8 * i))
	}
	h.Write(buf[:])
	return jump.Hash(h.Sum64(), n)
}

package topology

import "github.com/jsp-lqk/metaring/internal/keyhash"

// RouteError distinguishes the two ways Route can fail: the space name
// isn't known under the current snapshot, or it is known but no
// instance currently claims responsibility for it.
type RouteError int

const (
	// RouteNotASpace means the space name is unknown under the current
	// topology.
	RouteNotASpace RouteError = iota + 1
	// RouteNoLeader means the space is known but its point-leader
	// region currently has no responsible instance.
	RouteNoLeader
)

func (e RouteError) Error() string {
	switch e {
	case RouteNotASpace:
		return "not a space"
	case RouteNoLeader:
		return "no leader"
	default:
		return "route error"
	}
}

// Route resolves a (space name, key) pair to the entity and instance
// currently responsible for it under snap. Route is pure with respect
// to snap — repeated calls against the same snapshot for the same
// inputs always agree.
func Route(snap Snapshot, spaceName string, key []byte) (Entity, Instance, error) {
	spaceID := snap.LookupSpaceID(spaceName)
	if spaceID == NullSpace {
		return Entity{}, Instance{}, RouteNotASpace
	}

	h := keyhash.Hash64(key)
	region := PointLeader(spaceID, h)
	entity := snap.HeadOf(region)

	inst := snap.InstanceFor(entity)
	if inst.IsNull() {
		return Entity{}, Instance{}, RouteNoLeader
	}

	return entity, inst, nil
}

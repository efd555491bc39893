package engine

import (
	"errors"
	"sort"

	"archive/server/internal/codec"
)

// Room operation failures, surfaced to the wire as negative replies.
var (
	// ErrRoomExists is returned when CREATE names a room that already exists.
	ErrRoomExists = errors.New("room already exists")

	// ErrRoomNotFound is returned when JOIN names a room that does not exist.
	ErrRoomNotFound = errors.New("room not found")

	// ErrNotInRoom is returned when LEAVE is issued by a session that is not
	// a member of any room.
	ErrNotInRoom = errors.New("session is not in a room")

	// ErrEmptyRoomID is returned when a room operation carries no room id.
	ErrEmptyRoomID = errors.New("room id is required")
)

// room is one named membership group. Guarded by the Engine's lock; a room
// always has at least one member, and is deleted the moment its member set
// becomes empty.
type room struct {
	id      string
	members map[uint64]struct{}
	props   map[string]codec.Value
}

// RoomInfo is a point-in-time snapshot of one room, used by the REST API
// and the CLI.
type RoomInfo struct {
	ID         string `json:"id"`
	Members    int    `json:"members"`
	Properties int    `json:"properties"`
}

// propertyBag returns the room's full property bag as a wire dictionary
// with deterministic key order.
func (r *room) propertyBag() codec.Dictionary {
	keys := make([]string, 0, len(r.props))
	for k := range r.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := make(codec.Dictionary, 0, len(keys))
	for _, k := range keys {
		d = append(d, codec.Pair{Key: codec.String(k), Val: r.props[k]})
	}
	return d
}

// mergeProperties shallow-merges string-keyed updates into the bag.
// Non-string keys are ignored; the wire allows them but the bag is
// string-keyed by contract.
func (r *room) mergeProperties(updates codec.Dictionary) {
	for _, p := range updates {
		key, ok := p.Key.(codec.String)
		if !ok {
			continue
		}
		r.props[string(key)] = p.Val
	}
}

package relay

import (
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry maps each room to the peers currently connected to it. A room
// exists while it has at least one peer.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Peer

	// onDrop is called for every peer removed because Send failed.
	onDrop func(Peer)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]Peer),
	}
}

// Register adds p to room. Registering the same connection id again
// replaces the previous entry.
func (r *Registry) Register(room string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers, ok := r.rooms[room]
	if !ok {
		peers = make(map[string]Peer)
		r.rooms[room] = peers
	}
	peers[p.ID()] = p
}

// Unregister removes p from room. It is a no-op if p is absent, or if its id
// now belongs to a different peer.
func (r *Registry) Unregister(room string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(room, p)
}

func (r *Registry) unregisterLocked(room string, p Peer) bool {
	peers, ok := r.rooms[room]
	if !ok {
		return false
	}
	current, ok := peers[p.ID()]
	if !ok || current != p {
		return false
	}
	delete(peers, p.ID())
	if len(peers) == 0 {
		delete(r.rooms, room)
	}
	return true
}

// Broadcast sends payload to every peer in room whose id is not in
// excluding. The peer set is snapshotted before sending; peers that fail
// to accept the payload are removed and closed without affecting delivery
// to the others. It returns the number of peers the payload was queued for.
func (r *Registry) Broadcast(room string, payload []byte, excluding ...string) int {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.rooms[room]))
	for id, p := range r.rooms[room] {
		if slices.Contains(excluding, id) {
			continue
		}
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	delivered := 0
	var failed []Peer
	for _, p := range peers {
		if p.Send(payload) {
			delivered++
			continue
		}
		failed = append(failed, p)
	}

	if len(failed) > 0 {
		r.mu.Lock()
		for _, p := range failed {
			r.unregisterLocked(room, p)
		}
		r.mu.Unlock()

		for _, p := range failed {
			logrus.WithFields(logrus.Fields{
				"room":          room,
				"connection_id": p.ID(),
			}).Infof("relay: dropping unresponsive peer")
			p.Close(errUndeliverablePeer)
			if r.onDrop != nil {
				r.onDrop(p)
			}
		}
	}
	return delivered
}

// Count returns the number of peers in room.
func (r *Registry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Stats returns the total number of peers and of rooms.
func (r *Registry) Stats() (peers, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, set := range r.rooms {
		peers += len(set)
	}
	return peers, len(r.rooms)
}

// CloseAll empties the registry and closes every peer with err.
func (r *Registry) CloseAll(err error) {
	r.mu.Lock()
	var all []Peer
	for _, set := range r.rooms {
		for _, p := range set {
			all = append(all, p)
		}
	}
	r.rooms = make(map[string]map[string]Peer)
	r.mu.Unlock()

	for _, p := range all {
		p.Close(err)
	}
}

// Package matchmaker tracks which peers act as matchmakers and prunes the
// ones that stop answering pings.
package matchmaker

import (
	"sort"
	"sync"

	"github.com/uhyunpark/hypermarket/pkg/wire"
)

// Directory is the set of known matchmakers. Mutations come from the owning
// peer's event loop; reads may come from any goroutine.
type Directory struct {
	self wire.PeerID

	mu    sync.RWMutex
	peers map[wire.PeerID]struct{}

	onAdded   []func(peer wire.PeerID, first bool)
	onRemoved []func(peer wire.PeerID)
}

func NewDirectory(self wire.PeerID) *Directory {
	return &Directory{self: self, peers: make(map[wire.PeerID]struct{})}
}

// OnAdded registers fn to run after a peer joins. first is true when the
// directory was empty before.
func (d *Directory) OnAdded(fn func(peer wire.PeerID, first bool)) {
	d.onAdded = append(d.onAdded, fn)
}

func (d *Directory) OnRemoved(fn func(peer wire.PeerID)) {
	d.onRemoved = append(d.onRemoved, fn)
}

// Add inserts peer. The local peer is never listed.
func (d *Directory) Add(peer wire.PeerID) bool {
	if peer == d.self || peer == "" {
		return false
	}
	d.mu.Lock()
	if _, ok := d.peers[peer]; ok {
		d.mu.Unlock()
		return false
	}
	first := len(d.peers) == 0
	d.peers[peer] = struct{}{}
	d.mu.Unlock()

	for _, fn := range d.onAdded {
		fn(peer, first)
	}
	return true
}

// Remove deletes peer. Observers run only if it was present.
func (d *Directory) Remove(peer wire.PeerID) bool {
	d.mu.Lock()
	if _, ok := d.peers[peer]; !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.peers, peer)
	d.mu.Unlock()

	for _, fn := range d.onRemoved {
		fn(peer)
	}
	return true
}

func (d *Directory) Contains(peer wire.PeerID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.peers[peer]
	return ok
}

// List returns the matchmakers sorted by id.
func (d *Directory) List() []wire.PeerID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]wire.PeerID, 0, len(d.peers))
	for p := range d.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

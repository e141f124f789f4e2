package matchmaker

import (
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hypermarket/pkg/requestcache"
	"github.com/uhyunpark/hypermarket/pkg/wire"
)

const NamespacePing = "ping"

type Sender interface {
	Send(to wire.PeerID, msg wire.Message) error
}

// Liveness pings matchmakers and evicts those whose ping times out.
type Liveness struct {
	dir     *Directory
	cache   *requestcache.Cache
	send    Sender
	timeout time.Duration
	log     *zap.SugaredLogger
	rng     *rand.Rand

	// outstanding ping ids per peer; a pong settles all of them
	pending map[wire.PeerID]map[uint64]struct{}
}

func NewLiveness(dir *Directory, cache *requestcache.Cache, send Sender, timeout time.Duration, log *zap.SugaredLogger) *Liveness {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Liveness{
		dir:     dir,
		cache:   cache,
		send:    send,
		timeout: timeout,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		pending: make(map[wire.PeerID]map[uint64]struct{}),
	}
}

// Ping sends a ping to peer and arms its timeout.
func (l *Liveness) Ping(peer wire.PeerID) (uint64, error) {
	id := l.cache.NextID(NamespacePing)
	key := requestcache.Key{Namespace: NamespacePing, ID: id}
	if err := l.cache.Add(key, l.timeout, peer, l.onTimeout(id)); err != nil {
		return 0, err
	}
	if l.pending[peer] == nil {
		l.pending[peer] = make(map[uint64]struct{})
	}
	l.pending[peer][id] = struct{}{}
	if err := l.send.Send(peer, wire.Ping{ID: id}); err != nil {
		// left to the timeout
		l.log.Debugw("ping_send_failed", "peer", peer, "err", err)
	}
	return id, nil
}

func (l *Liveness) onTimeout(id uint64) func(any) {
	return func(payload any) {
		peer := payload.(wire.PeerID)
		l.forget(peer, id)
		if l.dir.Remove(peer) {
			l.log.Infow("matchmaker_evicted", "peer", peer, "ping", id)
		}
	}
}

func (l *Liveness) forget(peer wire.PeerID, id uint64) {
	if ids, ok := l.pending[peer]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(l.pending, peer)
		}
	}
}

// HandlePong settles every outstanding ping to from. A pong carrying an id
// that was sent to another peer is ignored.
func (l *Liveness) HandlePong(from wire.PeerID, pong wire.Pong) bool {
	key := requestcache.Key{Namespace: NamespacePing, ID: pong.ID}
	payload, ok := l.cache.Get(key)
	if !ok || payload.(wire.PeerID) != from {
		return false
	}
	for id := range l.pending[from] {
		l.cache.Pop(requestcache.Key{Namespace: NamespacePing, ID: id})
	}
	delete(l.pending, from)
	return true
}

// Pinging reports whether a ping to peer is still unanswered.
func (l *Liveness) Pinging(peer wire.PeerID) bool {
	return len(l.pending[peer]) > 0
}

// PingAll pings every known matchmaker that has no ping in flight.
func (l *Liveness) PingAll() int {
	n := 0
	for _, peer := range l.dir.List() {
		if l.Pinging(peer) {
			continue
		}
		if _, err := l.Ping(peer); err == nil {
			n++
		}
	}
	return n
}

// PickOnline returns a random known matchmaker and pings it so a dead pick is
// pruned soon after.
func (l *Liveness) PickOnline() (wire.PeerID, bool) {
	peers := l.dir.List()
	if len(peers) == 0 {
		return "", false
	}
	peer := peers[l.rng.Intn(len(peers))]
	if !l.Pinging(peer) {
		l.Ping(peer)
	}
	return peer, true
}

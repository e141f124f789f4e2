package p2p

import (
	"fmt"
	"sync"

	"github.com/uhyunpark/hypermarket/pkg/wire"
)

// MemNet connects in-process transports. Each directed link delivers in send
// order on its own goroutine, and messages pass through the gob codec.
type MemNet struct {
	mu     sync.Mutex
	nodes  map[wire.PeerID]*MemTransport
	links  map[[2]wire.PeerID]*mailbox
	filter func(from, to wire.PeerID, msg wire.Message) bool
}

func NewMemNet() *MemNet {
	return &MemNet{
		nodes: make(map[wire.PeerID]*MemTransport),
		links: make(map[[2]wire.PeerID]*mailbox),
	}
}

// SetFilter installs drop, which returns true for messages that must be lost.
func (n *MemNet) SetFilter(drop func(from, to wire.PeerID, msg wire.Message) bool) {
	n.mu.Lock()
	n.filter = drop
	n.mu.Unlock()
}

func (n *MemNet) Join(id wire.PeerID) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &MemTransport{net: n, self: id}
	n.nodes[id] = t
	return t
}

// Introduce tells a and b about each other, as a new connection would.
func (n *MemNet) Introduce(a, b wire.PeerID) error {
	n.mu.Lock()
	ta, tb := n.nodes[a], n.nodes[b]
	n.mu.Unlock()
	if ta == nil || tb == nil {
		return ErrUnknownPeer
	}
	n.enqueue(b, a, func() { ta.peer(b) })
	n.enqueue(a, b, func() { tb.peer(a) })
	return nil
}

func (n *MemNet) link(from, to wire.PeerID) *mailbox {
	key := [2]wire.PeerID{from, to}
	n.mu.Lock()
	defer n.mu.Unlock()
	mb, ok := n.links[key]
	if !ok {
		mb = newMailbox()
		n.links[key] = mb
		go mb.run()
	}
	return mb
}

func (n *MemNet) enqueue(from, to wire.PeerID, f func()) {
	n.link(from, to).push(f)
}

func (n *MemNet) send(from, to wire.PeerID, msg wire.Message) error {
	n.mu.Lock()
	dst, ok := n.nodes[to]
	drop := n.filter
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", to, ErrUnknownPeer)
	}
	data, err := wire.Marshal(wire.Envelope{From: from, Msg: msg})
	if err != nil {
		return err
	}
	if drop != nil && drop(from, to, msg) {
		return nil
	}
	n.enqueue(from, to, func() {
		env, err := wire.Unmarshal(data)
		if err != nil {
			return
		}
		dst.deliver(env)
	})
	return nil
}

// Close stops every link goroutine.
func (n *MemNet) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, mb := range n.links {
		mb.close()
	}
	n.links = make(map[[2]wire.PeerID]*mailbox)
}

type MemTransport struct {
	net  *MemNet
	self wire.PeerID

	mu       sync.RWMutex
	handlers Handlers
	closed   bool
}

func (t *MemTransport) Self() wire.PeerID { return t.self }

func (t *MemTransport) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *MemTransport) Send(to wire.PeerID, msg wire.Message) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return t.net.send(t.self, to, msg)
}

// Announce sends msg to every other transport on the network.
func (t *MemTransport) Announce(msg wire.Message) error {
	t.net.mu.Lock()
	var peers []wire.PeerID
	for id := range t.net.nodes {
		if id != t.self {
			peers = append(peers, id)
		}
	}
	t.net.mu.Unlock()
	for _, p := range peers {
		if err := t.Send(p, msg); err != nil {
			return err
		}
	}
	return nil
}

// Close detaches the transport: it stops sending and drops what it receives.
func (t *MemTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *MemTransport) deliver(env wire.Envelope) {
	t.mu.RLock()
	h, closed := t.handlers, t.closed
	t.mu.RUnlock()
	if !closed && h.OnMessage != nil {
		h.OnMessage(env.From, env.Msg)
	}
}

func (t *MemTransport) peer(p wire.PeerID) {
	t.mu.RLock()
	h, closed := t.handlers, t.closed
	t.mu.RUnlock()
	if !closed && h.OnPeer != nil {
		h.OnPeer(p)
	}
}

// mailbox is an unbounded FIFO drained by one goroutine.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (mb *mailbox) push(f func()) {
	mb.mu.Lock()
	if !mb.closed {
		mb.items = append(mb.items, f)
	}
	mb.mu.Unlock()
	mb.cond.Signal()
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.items = nil
	mb.mu.Unlock()
	mb.cond.Broadcast()
}

func (mb *mailbox) run() {
	for {
		mb.mu.Lock()
		for len(mb.items) == 0 && !mb.closed {
			mb.cond.Wait()
		}
		if mb.closed {
			mb.mu.Unlock()
			return
		}
		f := mb.items[0]
		mb.items = mb.items[1:]
		mb.mu.Unlock()
		f()
	}
}

var _ Transport = (*MemTransport)(nil)
var _ Announcer = (*MemTransport)(nil)

package p2p

import (
	"context"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermarket/pkg/wire"
)

const (
	topicInfo      = "market-info"
	protocolMarket = protocol.ID("/hypermarket/1.0.0")
	outboundQueue  = 256
)

// Libp2pNet keeps one long-lived stream per remote peer and encodes a gob
// stream of envelopes on it. Info announcements also travel over gossipsub.
type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	tInfo   *pubsub.Topic
	subInfo *pubsub.Subscription

	muOut sync.Mutex
	out   map[peer.ID]*outbound

	muH      sync.RWMutex
	handlers Handlers
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	// Identity is optional; a random Ed25519 key is used when nil.
	Identity crypto.PrivKey
	Logger   *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	if cfg.Identity != nil {
		opts = append(opts, libp2p.Identity(cfg.Identity))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	nctx, cancel := context.WithCancel(ctx)
	n := &Libp2pNet{
		h: h, ps: ps, log: cfg.Logger,
		ctx: nctx, cancel: cancel,
		out: make(map[peer.ID]*outbound),
	}

	h.SetStreamHandler(protocolMarket, n.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			n.peerConnected(c.RemotePeer())
		},
	})

	if err := n.joinTopics(); err != nil {
		n.Close()
		return nil, err
	}
	go n.handleInfo()

	for _, bs := range cfg.Bootstrap {
		if err := n.Connect(ctx, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics() error {
	var err error
	if n.tInfo, err = n.ps.Join(topicInfo); err != nil {
		return err
	}
	if n.subInfo, err = n.tInfo.Subscribe(); err != nil {
		return err
	}
	return nil
}

// Connect dials a full multiaddr such as /ip4/1.2.3.4/tcp/4001/p2p/<id>.
func (n *Libp2pNet) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, n.h, addr)
}

func (n *Libp2pNet) Host() host.Host { return n.h }

func (n *Libp2pNet) Self() wire.PeerID { return wire.PeerID(n.h.ID().String()) }

// Addrs returns dialable addresses including the /p2p component.
func (n *Libp2pNet) Addrs() []string {
	var out []string
	for _, a := range n.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.h.ID()))
	}
	return out
}

func (n *Libp2pNet) SetHandlers(h Handlers) { n.muH.Lock(); n.handlers = h; n.muH.Unlock() }

func (n *Libp2pNet) currentHandlers() Handlers {
	n.muH.RLock()
	defer n.muH.RUnlock()
	return n.handlers
}

func (n *Libp2pNet) peerConnected(p peer.ID) {
	if h := n.currentHandlers(); h.OnPeer != nil {
		h.OnPeer(wire.PeerID(p.String()))
	}
}

func (n *Libp2pNet) Send(to wire.PeerID, msg wire.Message) error {
	if n.ctx.Err() != nil {
		return ErrClosed
	}
	pid, err := peer.Decode(string(to))
	if err != nil {
		return fmt.Errorf("send to %s: %w", to, ErrUnknownPeer)
	}
	env := wire.Envelope{From: n.Self(), Msg: msg}
	select {
	case n.outboundFor(pid).queue <- env:
		return nil
	default:
		return fmt.Errorf("send %s to %s: %w", msg.Kind(), to, ErrQueueFull)
	}
}

// Announce publishes msg on the info topic.
func (n *Libp2pNet) Announce(msg wire.Message) error {
	data, err := wire.Marshal(wire.Envelope{From: n.Self(), Msg: msg})
	if err != nil {
		return err
	}
	return n.tInfo.Publish(n.ctx, data)
}

func (n *Libp2pNet) Close() error {
	n.cancel()
	return n.h.Close()
}

// outbound

type outbound struct {
	pid   peer.ID
	queue chan wire.Envelope
}

func (n *Libp2pNet) outboundFor(pid peer.ID) *outbound {
	n.muOut.Lock()
	defer n.muOut.Unlock()
	o, ok := n.out[pid]
	if !ok {
		o = &outbound{pid: pid, queue: make(chan wire.Envelope, outboundQueue)}
		n.out[pid] = o
		go n.writeLoop(o)
	}
	return o
}

// writeLoop owns the stream to one peer. A broken stream is dropped and a
// new one opened for the next envelope.
func (n *Libp2pNet) writeLoop(o *outbound) {
	var (
		s   network.Stream
		enc *wire.Encoder
	)
	defer func() {
		if s != nil {
			s.Close()
		}
	}()
	for {
		var env wire.Envelope
		select {
		case <-n.ctx.Done():
			return
		case env = <-o.queue:
		}
		if s == nil {
			var err error
			s, err = n.h.NewStream(n.ctx, o.pid, protocolMarket)
			if err != nil {
				n.log.Debugw("open_stream_failed", "peer", o.pid, "kind", env.Msg.Kind(), "err", err)
				s = nil
				continue
			}
			enc = wire.NewEncoder(s)
		}
		if err := enc.Encode(env); err != nil {
			n.log.Debugw("stream_write_failed", "peer", o.pid, "kind", env.Msg.Kind(), "err", err)
			s.Reset()
			s, enc = nil, nil
		}
	}
}

// inbound

func (n *Libp2pNet) handleStream(s network.Stream) {
	defer s.Close()
	remote := wire.PeerID(s.Conn().RemotePeer().String())
	dec := wire.NewDecoder(s)
	for {
		env, err := dec.Decode()
		if err != nil {
			return
		}
		if env.From != remote {
			n.log.Warnw("envelope_sender_mismatch", "claimed", env.From, "remote", remote)
			continue
		}
		if h := n.currentHandlers(); h.OnMessage != nil {
			h.OnMessage(remote, env.Msg)
		}
	}
}

func (n *Libp2pNet) handleInfo() {
	for {
		msg, err := n.subInfo.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		env, err := wire.Unmarshal(msg.Data)
		if err != nil {
			continue
		}
		if wire.PeerID(msg.GetFrom().String()) != env.From {
			continue
		}
		if _, ok := env.Msg.(wire.Info); !ok {
			continue
		}
		if h := n.currentHandlers(); h.OnMessage != nil {
			h.OnMessage(env.From, env.Msg)
		}
	}
}

var _ Transport = (*Libp2pNet)(nil)
var _ Announcer = (*Libp2pNet)(nil)

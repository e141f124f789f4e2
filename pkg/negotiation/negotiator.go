// Package negotiation runs the propose / accept / decline / counter rounds
// between two traders and keeps order reservations consistent with them.
package negotiation

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
	"github.com/uhyunpark/hypermarket/pkg/requestcache"
	"github.com/uhyunpark/hypermarket/pkg/util"
	"github.com/uhyunpark/hypermarket/pkg/wire"
)

const (
	NamespaceProposal = "proposed-trade"
	NamespaceCounter  = "counter-trade"
)

type Orders interface {
	Get(id order.OrderID) (*order.Order, error)
	Save(o *order.Order) error
}

type Sender interface {
	Send(to wire.PeerID, msg wire.Message) error
}

// Request is a match a matchmaker asked this trader to negotiate.
type Request struct {
	Match     wire.MatchID
	Own       order.OrderID
	Candidate order.Tick
	Quantity  int64
}

// Agreement is a settled negotiation, ready for the transaction layer.
type Agreement struct {
	TransactionID  uuid.UUID
	Proposal       wire.ProposalID
	Own            order.OrderID
	OwnSide        order.Side
	Counterparty   order.OrderID
	PartnerAddress string
	Price          order.Price
	Quantity       order.Quantity
	// Initiator is set on the side that proposed; it also owns Match.
	Initiator bool
	Match     wire.MatchID
}

type Config struct {
	Self    order.TraderID
	Orders  Orders
	Sender  Sender
	Cache   *requestcache.Cache
	Timeout time.Duration
	Clock   util.Clock
	Logger  *zap.SugaredLogger

	// ReceiveAddress returns the local wallet address for asset.
	ReceiveAddress func(asset string) string
	OnAgreed       func(Agreement)
	OnFailed       func(req Request, reason wire.DeclineReason)
	// Observe is told the outcome of every finished round.
	Observe func(outcome string)
}

type proposal struct {
	msg      wire.ProposedTrade
	req      Request
	side     order.Side
	reserved int64
}

type counter struct {
	msg  wire.CounterTrade
	side order.Side
}

// Negotiator is not safe for concurrent use; the owning peer's event loop
// drives every method and every timeout.
type Negotiator struct {
	cfg Config
	log *zap.SugaredLogger

	active   map[order.OrderID]uint64    // own order → proposal number in flight
	queue    map[order.OrderID][]Request // requests waiting for that round
	counters map[wire.ProposalID]uint64  // remote proposal → local counter id
}

func New(cfg Config) *Negotiator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.ReceiveAddress == nil {
		cfg.ReceiveAddress = func(string) string { return "" }
	}
	if cfg.OnAgreed == nil {
		cfg.OnAgreed = func(Agreement) {}
	}
	if cfg.OnFailed == nil {
		cfg.OnFailed = func(Request, wire.DeclineReason) {}
	}
	if cfg.Observe == nil {
		cfg.Observe = func(string) {}
	}
	return &Negotiator{
		cfg:      cfg,
		log:      cfg.Logger,
		active:   make(map[order.OrderID]uint64),
		queue:    make(map[order.OrderID][]Request),
		counters: make(map[wire.ProposalID]uint64),
	}
}

// receiveAsset is what the owner of an order on side s is paid in.
func receiveAsset(s order.Side, price order.Price, qty order.Quantity) string {
	if s == order.Ask {
		return price.Asset
	}
	return qty.Asset
}

func (n *Negotiator) send(to wire.PeerID, msg wire.Message) {
	if err := n.cfg.Sender.Send(to, msg); err != nil {
		n.log.Debugw("negotiation_send_failed", "to", to, "kind", msg.Kind(), "err", err)
	}
}

func proposalKey(number uint64) requestcache.Key {
	return requestcache.Key{Namespace: NamespaceProposal, ID: number}
}

func counterKey(id uint64) requestcache.Key {
	return requestcache.Key{Namespace: NamespaceCounter, ID: id}
}

// Propose starts a round for req, or queues it behind the round already in
// flight for the same own order.
func (n *Negotiator) Propose(req Request) {
	if _, busy := n.active[req.Own]; busy {
		n.queue[req.Own] = append(n.queue[req.Own], req)
		n.log.Debugw("proposal_queued", "order", req.Own, "match", req.Match)
		return
	}

	o, err := n.cfg.Orders.Get(req.Own)
	if err != nil || !o.IsOpen() {
		n.cfg.OnFailed(req, wire.ReasonOwnOrderGone)
		return
	}
	if !o.Tick().Crosses(req.Candidate) || o.Pair() != req.Candidate.Pair() {
		n.cfg.OnFailed(req, wire.ReasonOwnOrderGone)
		return
	}
	qty := min(o.Available(), req.Quantity)
	if qty <= 0 {
		n.cfg.OnFailed(req, wire.ReasonOwnOrderGone)
		return
	}
	if err := o.Reserve(qty); err != nil {
		n.cfg.OnFailed(req, wire.ReasonOwnOrderGone)
		return
	}
	if err := n.cfg.Orders.Save(o); err != nil {
		n.log.Warnw("order_save_failed", "order", o.ID, "err", err)
		n.cfg.OnFailed(req, wire.ReasonOwnOrderGone)
		return
	}

	number := n.cfg.Cache.NextID(NamespaceProposal)
	msg := wire.ProposedTrade{
		ID:             wire.ProposalID{Trader: n.cfg.Self, Number: number},
		Sender:         o.ID,
		Recipient:      req.Candidate.OrderID,
		Price:          req.Candidate.Price,
		Quantity:       order.Quantity{Amount: qty, Asset: o.Quantity.Asset},
		ReceiveAddress: n.cfg.ReceiveAddress(receiveAsset(o.Side, o.Price, o.Quantity)),
		Timestamp:      n.cfg.Clock.Now(),
	}
	p := &proposal{msg: msg, req: req, side: o.Side, reserved: qty}
	if err := n.cfg.Cache.Add(proposalKey(number), n.cfg.Timeout, p, n.onProposalTimeout); err != nil {
		n.release(o.ID, qty)
		n.cfg.OnFailed(req, wire.ReasonOwnOrderGone)
		return
	}
	n.active[o.ID] = number
	n.log.Infow("trade_proposed", "proposal", msg.ID, "own", o.ID, "counterparty", msg.Recipient, "qty", qty, "price", msg.Price)
	n.send(req.Candidate.OrderID.Trader, msg)
}

func (n *Negotiator) release(id order.OrderID, qty int64) {
	o, err := n.cfg.Orders.Get(id)
	if err != nil {
		return
	}
	o.Release(qty)
	if err := n.cfg.Orders.Save(o); err != nil {
		n.log.Warnw("order_save_failed", "order", id, "err", err)
	}
}

// finish closes the round for own and starts the next queued request.
func (n *Negotiator) finish(own order.OrderID) {
	delete(n.active, own)
	q := n.queue[own]
	if len(q) == 0 {
		delete(n.queue, own)
		return
	}
	next := q[0]
	if len(q) == 1 {
		delete(n.queue, own)
	} else {
		n.queue[own] = q[1:]
	}
	n.Propose(next)
}

func (n *Negotiator) onProposalTimeout(payload any) {
	p := payload.(*proposal)
	n.release(p.msg.Sender, p.reserved)
	n.log.Infow("proposal_timeout", "proposal", p.msg.ID, "own", p.msg.Sender, "released", p.reserved)
	n.cfg.Observe("timeout")
	n.cfg.OnFailed(p.req, wire.ReasonTimeout)
	n.finish(p.msg.Sender)
}

func (n *Negotiator) onCounterTimeout(payload any) {
	c := payload.(*counter)
	delete(n.counters, c.msg.ID)
	n.release(c.msg.Sender, c.msg.Quantity.Amount)
	n.log.Infow("counter_timeout", "proposal", c.msg.ID, "own", c.msg.Sender, "released", c.msg.Quantity.Amount)
	n.cfg.Observe("timeout")
}

func (n *Negotiator) decline(to wire.PeerID, p wire.ProposedTrade, reason wire.DeclineReason) {
	n.log.Infow("trade_declined", "proposal", p.ID, "own", p.Recipient, "reason", reason)
	n.cfg.Observe("declined")
	n.send(to, wire.DeclinedTrade{ID: p.ID, Sender: p.Recipient, Recipient: p.Sender, Reason: reason})
}

// validate checks that p fits the terms of o.
func validate(o *order.Order, p wire.ProposedTrade) error {
	if p.Quantity.Amount <= 0 {
		return errors.New("non-positive quantity")
	}
	if p.Quantity.Asset != o.Quantity.Asset || p.Price.Asset != o.Price.Asset {
		return errors.New("asset pair mismatch")
	}
	if o.Side == order.Ask && p.Price.Amount.LessThan(o.Price.Amount) {
		return errors.New("price below ask")
	}
	if o.Side == order.Bid && p.Price.Amount.GreaterThan(o.Price.Amount) {
		return errors.New("price above bid")
	}
	if p.Sender.Trader == o.ID.Trader {
		return errors.New("proposal from self")
	}
	return nil
}

// HandleProposal answers a remote proposal with Accept, Counter or Decline.
func (n *Negotiator) HandleProposal(from wire.PeerID, p wire.ProposedTrade) {
	if from != p.ID.Trader || from != p.Sender.Trader {
		n.log.Warnw("proposal_sender_mismatch", "from", from, "proposal", p.ID)
		return
	}
	if _, dup := n.counters[p.ID]; dup {
		return
	}
	o, err := n.cfg.Orders.Get(p.Recipient)
	if err != nil || o.ID.Trader != n.cfg.Self {
		n.decline(from, p, wire.ReasonOrderInvalid)
		return
	}
	switch o.Status {
	case order.StatusCompleted:
		n.decline(from, p, wire.ReasonOrderCompleted)
		return
	case order.StatusCancelled, order.StatusExpired:
		n.decline(from, p, wire.ReasonOrderInvalid)
		return
	}
	if err := validate(o, p); err != nil {
		n.log.Debugw("proposal_invalid", "proposal", p.ID, "err", err)
		n.decline(from, p, wire.ReasonOrderInvalid)
		return
	}

	avail := o.Available()
	if avail <= 0 {
		n.decline(from, p, wire.ReasonNoAvailable)
		return
	}
	receive := n.cfg.ReceiveAddress(receiveAsset(o.Side, o.Price, o.Quantity))

	if avail < p.Quantity.Amount {
		if err := n.reserveAndSave(o, avail); err != nil {
			n.decline(from, p, wire.ReasonNoAvailable)
			return
		}
		c := &counter{
			msg: wire.CounterTrade{
				ID:             p.ID,
				Sender:         o.ID,
				Recipient:      p.Sender,
				Price:          p.Price,
				Quantity:       order.Quantity{Amount: avail, Asset: p.Quantity.Asset},
				ReceiveAddress: receive,
			},
			side: o.Side,
		}
		id := n.cfg.Cache.NextID(NamespaceCounter)
		if err := n.cfg.Cache.Add(counterKey(id), n.cfg.Timeout, c, n.onCounterTimeout); err != nil {
			n.release(o.ID, avail)
			n.decline(from, p, wire.ReasonNoAvailable)
			return
		}
		n.counters[p.ID] = id
		n.log.Infow("trade_countered", "proposal", p.ID, "own", o.ID, "proposed", p.Quantity.Amount, "countered", avail)
		n.cfg.Observe("countered")
		n.send(from, c.msg)
		return
	}

	if err := n.reserveAndSave(o, p.Quantity.Amount); err != nil {
		n.decline(from, p, wire.ReasonNoAvailable)
		return
	}
	acc := wire.AcceptedTrade{
		ID:             p.ID,
		TransactionID:  uuid.New(),
		Sender:         o.ID,
		Recipient:      p.Sender,
		Price:          p.Price,
		Quantity:       p.Quantity,
		ReceiveAddress: receive,
	}
	n.log.Infow("trade_accepted", "proposal", p.ID, "own", o.ID, "qty", p.Quantity.Amount, "transaction", acc.TransactionID)
	n.cfg.Observe("accepted")
	n.send(from, acc)
	n.cfg.OnAgreed(Agreement{
		TransactionID:  acc.TransactionID,
		Proposal:       p.ID,
		Own:            o.ID,
		OwnSide:        o.Side,
		Counterparty:   p.Sender,
		PartnerAddress: p.ReceiveAddress,
		Price:          p.Price,
		Quantity:       p.Quantity,
	})
}

func (n *Negotiator) reserveAndSave(o *order.Order, qty int64) error {
	if err := o.Reserve(qty); err != nil {
		return err
	}
	return n.cfg.Orders.Save(o)
}

// rejectLate tells the counterparty that an answer arrived after the round
// was closed so it can fail the transaction it already opened.
func (n *Negotiator) rejectLate(to wire.PeerID, txID uuid.UUID, pid wire.ProposalID) {
	n.log.Infow("late_accept_rejected", "proposal", pid, "transaction", txID)
	n.send(to, wire.Payment{TransactionID: txID, Success: false, Reason: "negotiation round already closed"})
}

// HandleAccept closes either our own proposal or the counter we sent.
func (n *Negotiator) HandleAccept(from wire.PeerID, a wire.AcceptedTrade) {
	if a.ID.Trader == n.cfg.Self {
		n.acceptOwnProposal(from, a)
		return
	}
	id, ok := n.counters[a.ID]
	if !ok {
		n.rejectLate(from, a.TransactionID, a.ID)
		return
	}
	payload, ok := n.cfg.Cache.Pop(counterKey(id))
	delete(n.counters, a.ID)
	if !ok {
		n.rejectLate(from, a.TransactionID, a.ID)
		return
	}
	c := payload.(*counter)
	if from != c.msg.Recipient.Trader || a.Quantity.Amount != c.msg.Quantity.Amount {
		n.log.Warnw("counter_accept_mismatch", "proposal", a.ID, "from", from, "qty", a.Quantity.Amount)
		n.release(c.msg.Sender, c.msg.Quantity.Amount)
		n.rejectLate(from, a.TransactionID, a.ID)
		return
	}
	n.log.Infow("counter_accepted", "proposal", a.ID, "own", c.msg.Sender, "qty", a.Quantity.Amount, "transaction", a.TransactionID)
	n.cfg.Observe("accepted")
	n.cfg.OnAgreed(Agreement{
		TransactionID:  a.TransactionID,
		Proposal:       a.ID,
		Own:            c.msg.Sender,
		OwnSide:        c.side,
		Counterparty:   c.msg.Recipient,
		PartnerAddress: a.ReceiveAddress,
		Price:          c.msg.Price,
		Quantity:       c.msg.Quantity,
	})
}

func (n *Negotiator) acceptOwnProposal(from wire.PeerID, a wire.AcceptedTrade) {
	payload, ok := n.cfg.Cache.Get(proposalKey(a.ID.Number))
	if !ok {
		n.rejectLate(from, a.TransactionID, a.ID)
		return
	}
	p := payload.(*proposal)
	if from != p.msg.Recipient.Trader {
		n.log.Warnw("accept_from_stranger", "proposal", a.ID, "from", from)
		n.rejectLate(from, a.TransactionID, a.ID)
		return
	}
	n.cfg.Cache.Pop(proposalKey(a.ID.Number))
	if a.Quantity.Amount != p.reserved {
		n.log.Warnw("accept_mismatch", "proposal", a.ID, "qty", a.Quantity.Amount, "reserved", p.reserved)
		n.release(p.msg.Sender, p.reserved)
		n.cfg.Observe("declined")
		n.rejectLate(from, a.TransactionID, a.ID)
		n.cfg.OnFailed(p.req, wire.ReasonCounterRejected)
		n.finish(p.msg.Sender)
		return
	}
	n.log.Infow("proposal_accepted", "proposal", a.ID, "own", p.msg.Sender, "qty", p.reserved, "transaction", a.TransactionID)
	n.cfg.Observe("accepted")
	n.cfg.OnAgreed(Agreement{
		TransactionID:  a.TransactionID,
		Proposal:       a.ID,
		Own:            p.msg.Sender,
		OwnSide:        p.side,
		Counterparty:   p.msg.Recipient,
		PartnerAddress: a.ReceiveAddress,
		Price:          p.msg.Price,
		Quantity:       p.msg.Quantity,
		Initiator:      true,
		Match:          p.req.Match,
	})
	n.finish(p.msg.Sender)
}

// HandleCounter accepts a smaller quantity if the own order can still cover it.
func (n *Negotiator) HandleCounter(from wire.PeerID, c wire.CounterTrade) {
	if c.ID.Trader != n.cfg.Self {
		return
	}
	payload, ok := n.cfg.Cache.Get(proposalKey(c.ID.Number))
	if !ok {
		return
	}
	p := payload.(*proposal)
	if from != p.msg.Recipient.Trader {
		return
	}
	n.cfg.Cache.Pop(proposalKey(c.ID.Number))

	reject := func(why string) {
		n.log.Infow("counter_rejected", "proposal", c.ID, "qty", c.Quantity.Amount, "why", why)
		n.release(p.msg.Sender, p.reserved)
		n.cfg.Observe("declined")
		n.send(from, wire.DeclinedTrade{ID: c.ID, Sender: p.msg.Sender, Recipient: c.Sender, Reason: wire.ReasonCounterRejected})
		n.cfg.OnFailed(p.req, wire.ReasonCounterRejected)
		n.finish(p.msg.Sender)
	}

	o, err := n.cfg.Orders.Get(p.msg.Sender)
	switch {
	case err != nil || !o.IsOpen():
		reject("own order closed")
		return
	case c.Quantity.Amount <= 0 || c.Quantity.Asset != p.msg.Quantity.Asset || !c.Price.Amount.Equal(p.msg.Price.Amount):
		reject("terms changed")
		return
	case c.Quantity.Amount > p.reserved+o.Available():
		reject("quantity no longer available")
		return
	}
	if c.Quantity.Amount < p.reserved {
		o.Release(p.reserved - c.Quantity.Amount)
	} else if c.Quantity.Amount > p.reserved {
		if err := o.Reserve(c.Quantity.Amount - p.reserved); err != nil {
			reject("quantity no longer available")
			return
		}
	}
	if err := n.cfg.Orders.Save(o); err != nil {
		n.log.Warnw("order_save_failed", "order", o.ID, "err", err)
	}

	acc := wire.AcceptedTrade{
		ID:             c.ID,
		TransactionID:  uuid.New(),
		Sender:         o.ID,
		Recipient:      c.Sender,
		Price:          c.Price,
		Quantity:       c.Quantity,
		ReceiveAddress: p.msg.ReceiveAddress,
	}
	n.log.Infow("counter_taken", "proposal", c.ID, "own", o.ID, "qty", c.Quantity.Amount, "transaction", acc.TransactionID)
	n.cfg.Observe("accepted")
	n.send(from, acc)
	n.cfg.OnAgreed(Agreement{
		TransactionID:  acc.TransactionID,
		Proposal:       c.ID,
		Own:            o.ID,
		OwnSide:        o.Side,
		Counterparty:   c.Sender,
		PartnerAddress: c.ReceiveAddress,
		Price:          c.Price,
		Quantity:       c.Quantity,
		Initiator:      true,
		Match:          p.req.Match,
	})
	n.finish(o.ID)
}

// HandleDecline releases whatever the declined round had reserved.
func (n *Negotiator) HandleDecline(from wire.PeerID, d wire.DeclinedTrade) {
	if d.ID.Trader == n.cfg.Self {
		payload, ok := n.cfg.Cache.Get(proposalKey(d.ID.Number))
		if !ok {
			return
		}
		p := payload.(*proposal)
		if from != p.msg.Recipient.Trader {
			return
		}
		n.cfg.Cache.Pop(proposalKey(d.ID.Number))
		n.release(p.msg.Sender, p.reserved)
		n.log.Infow("proposal_declined", "proposal", d.ID, "own", p.msg.Sender, "reason", d.Reason)
		n.cfg.Observe("declined")
		n.cfg.OnFailed(p.req, d.Reason)
		n.finish(p.msg.Sender)
		return
	}

	id, ok := n.counters[d.ID]
	if !ok {
		return
	}
	payload, ok := n.cfg.Cache.Pop(counterKey(id))
	delete(n.counters, d.ID)
	if !ok {
		return
	}
	c := payload.(*counter)
	n.release(c.msg.Sender, c.msg.Quantity.Amount)
	n.log.Infow("counter_declined", "proposal", d.ID, "own", c.msg.Sender, "reason", d.Reason)
}

// Outstanding lists the proposals in flight from own to counterparty.
func (n *Negotiator) Outstanding(own, counterparty order.OrderID) []wire.ProposedTrade {
	var out []wire.ProposedTrade
	for _, k := range n.cfg.Cache.Keys(NamespaceProposal) {
		payload, ok := n.cfg.Cache.Get(k)
		if !ok {
			continue
		}
		p := payload.(*proposal)
		if p.msg.Sender == own && p.msg.Recipient == counterparty {
			out = append(out, p.msg)
		}
	}
	return out
}

// Busy reports whether own has a round in flight.
func (n *Negotiator) Busy(own order.OrderID) bool {
	_, ok := n.active[own]
	return ok
}

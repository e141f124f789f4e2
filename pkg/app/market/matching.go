package market

import (
	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
	"github.com/uhyunpark/hypermarket/pkg/crypto"
	"github.com/uhyunpark/hypermarket/pkg/negotiation"
	"github.com/uhyunpark/hypermarket/pkg/requestcache"
	"github.com/uhyunpark/hypermarket/pkg/wire"
)

const NamespaceMatch = "match"

// round walks the candidates for one incoming tick, best first, handing one
// match at a time to the tick's owner.
type round struct {
	incoming order.OrderID
	tried    map[order.OrderID]bool
	current  uint64 // match number in flight, 0 when idle
}

type pendingMatch struct {
	id           wire.MatchID
	incoming     order.OrderID
	candidate    order.OrderID
	qty          int64
	incomingBase int64 // traded quantities when the match was made
	candBase     int64
}

func matchKey(n uint64) requestcache.Key {
	return requestcache.Key{Namespace: NamespaceMatch, ID: n}
}

func (c *Community) updateBookGauge() {
	c.m.BookTicks.WithLabelValues("ask").Set(float64(c.book.Asks()))
	c.m.BookTicks.WithLabelValues("bid").Set(float64(c.book.Bids()))
}

func (c *Community) onTick(from wire.PeerID, m wire.Tick) {
	if !c.cfg.Market.IsMatchmaker {
		return
	}
	t := m.Tick
	if from != t.OrderID.Trader {
		c.log.Debugw("tick_not_from_owner", "from", from, "order", t.OrderID)
		return
	}
	c.m.TicksReceived.Inc()
	if err := crypto.VerifyTick(t); err != nil {
		c.log.Debugw("tick_rejected", "order", t.OrderID, "err", err)
		return
	}
	if t.Expired(c.clock.Now()) {
		c.log.Debugw("tick_expired", "order", t.OrderID)
		c.dropTick(t.OrderID)
		return
	}
	c.acceptTick(t)
}

// acceptTick inserts a verified tick, or applies its traded quantity when the
// book already holds it. New ticks start a matching round, republished ones
// get one round per traded value.
func (c *Community) acceptTick(t order.Tick) {
	t.ReservedForMatching = 0
	if c.book.Has(t.OrderID) {
		if c.book.Replace(t) {
			delete(c.rounds, t.OrderID)
			delete(c.rematched, t.OrderID)
			c.log.Debugw("tick_completed", "order", t.OrderID)
			c.updateBookGauge()
			return
		}
		c.updateBookGauge()
		c.rematch(t)
		return
	}
	if !c.book.Insert(t) {
		return
	}
	c.updateBookGauge()
	c.log.Debugw("tick_inserted", "order", t.OrderID, "side", t.Side, "price", t.Price, "available", t.Available())
	c.startRound(t.OrderID)
}

func (c *Community) dropTick(id order.OrderID) {
	if _, ok := c.book.Remove(id); ok {
		c.log.Debugw("tick_removed", "order", id)
	}
	delete(c.rounds, id)
	delete(c.rematched, id)
	c.updateBookGauge()
}

func (c *Community) onTickRemove(from wire.PeerID, m wire.TickRemove) {
	if !c.cfg.Market.IsMatchmaker || from != m.OrderID.Trader {
		return
	}
	c.dropTick(m.OrderID)
}

// rematch is how ticks left crossed by a failed settlement trade again. A
// tick republished at a traded value it was already rematched at is not.
func (c *Community) rematch(t order.Tick) {
	if last, ok := c.rematched[t.OrderID]; ok && last == t.Traded {
		return
	}
	if r, ok := c.rounds[t.OrderID]; ok && r.current != 0 {
		return
	}
	c.rematched[t.OrderID] = t.Traded
	c.log.Debugw("tick_rematched", "order", t.OrderID, "traded", t.Traded)
	c.startRound(t.OrderID)
}

func (c *Community) startRound(id order.OrderID) {
	if r, ok := c.rounds[id]; ok && r.current != 0 {
		return
	}
	r := &round{incoming: id, tried: make(map[order.OrderID]bool)}
	c.rounds[id] = r
	c.nextMatch(r)
}

// nextMatch hands the best untried candidate to the incoming tick's owner,
// or ends the round when none is left.
func (c *Community) nextMatch(r *round) {
	r.current = 0
	if c.rounds[r.incoming] != r {
		return
	}
	inc, ok := c.book.Get(r.incoming)
	if !ok || inc.Available() <= 0 {
		delete(c.rounds, r.incoming)
		return
	}
	for _, cand := range c.book.Match(inc) {
		if r.tried[cand.OrderID] {
			continue
		}
		r.tried[cand.OrderID] = true
		qty := min(inc.Available(), cand.Available())
		if qty <= 0 {
			continue
		}
		if err := c.book.Reserve(inc.OrderID, qty); err != nil {
			continue
		}
		if err := c.book.Reserve(cand.OrderID, qty); err != nil {
			c.book.Release(inc.OrderID, qty)
			continue
		}
		n := c.cache.NextID(NamespaceMatch)
		pm := &pendingMatch{
			id:           wire.MatchID{Matchmaker: c.self, Number: n},
			incoming:     inc.OrderID,
			candidate:    cand.OrderID,
			qty:          qty,
			incomingBase: inc.Traded,
			candBase:     cand.Traded,
		}
		if err := c.cache.Add(matchKey(n), c.cfg.Market.MatchTimeout, pm, c.onMatchTimeout); err != nil {
			c.book.Release(inc.OrderID, qty)
			c.book.Release(cand.OrderID, qty)
			continue
		}
		r.current = n
		c.m.Matches.WithLabelValues("proposed").Inc()
		c.log.Infow("match_proposed", "match", pm.id, "incoming", inc.OrderID, "candidate", cand.OrderID, "qty", qty, "price", cand.Price)
		c.send(inc.OrderID.Trader, wire.Match{ID: pm.id, Own: inc.OrderID, Candidate: cand, Quantity: qty})
		return
	}
	delete(c.rounds, r.incoming)
}

func (c *Community) releaseMatch(pm *pendingMatch) {
	c.book.Release(pm.incoming, pm.qty)
	c.book.Release(pm.candidate, pm.qty)
}

// continueRound resumes the round a finished match belonged to.
func (c *Community) continueRound(pm *pendingMatch) {
	r, ok := c.rounds[pm.incoming]
	if !ok || r.current != pm.id.Number {
		return
	}
	c.nextMatch(r)
}

func (c *Community) onMatchTimeout(payload any) {
	pm := payload.(*pendingMatch)
	c.releaseMatch(pm)
	c.m.Matches.WithLabelValues("timeout").Inc()
	c.log.Infow("match_timeout", "match", pm.id, "incoming", pm.incoming, "candidate", pm.candidate)
	c.continueRound(pm)
}

// popMatch resolves a match answered by from, which must own the incoming tick.
func (c *Community) popMatch(from wire.PeerID, id wire.MatchID) (*pendingMatch, bool) {
	if id.Matchmaker != c.self {
		return nil, false
	}
	payload, ok := c.cache.Get(matchKey(id.Number))
	if !ok {
		return nil, false
	}
	pm := payload.(*pendingMatch)
	if pm.incoming.Trader != from {
		c.log.Warnw("match_answer_from_stranger", "match", id, "from", from)
		return nil, false
	}
	c.cache.Pop(matchKey(id.Number))
	return pm, true
}

func (c *Community) onMatchDecline(from wire.PeerID, m wire.MatchDecline) {
	pm, ok := c.popMatch(from, m.ID)
	if !ok {
		return
	}
	c.releaseMatch(pm)
	c.m.Matches.WithLabelValues("declined").Inc()
	c.log.Infow("match_declined", "match", m.ID, "incoming", pm.incoming, "candidate", pm.candidate, "reason", m.Reason)
	switch m.Reason {
	case wire.ReasonOrderCompleted, wire.ReasonOrderInvalid:
		c.dropTick(pm.candidate)
	case wire.ReasonOwnOrderGone:
		delete(c.rounds, pm.incoming)
		return
	}
	c.continueRound(pm)
}

// onMatchDone applies the agreed quantity to both ticks until their owners
// publish the settled state. A tick the trade would complete is left as is:
// its owner withdraws it on success or republishes it after a failure.
func (c *Community) onMatchDone(from wire.PeerID, m wire.MatchDone) {
	pm, ok := c.popMatch(from, m.ID)
	if !ok {
		return
	}
	c.releaseMatch(pm)
	qty := min(m.Quantity, pm.qty)
	if qty > 0 {
		c.provisionalFill(pm.incoming, pm.incomingBase+qty)
		c.provisionalFill(pm.candidate, pm.candBase+qty)
	}
	c.updateBookGauge()
	c.m.Matches.WithLabelValues("done").Inc()
	c.log.Infow("match_done", "match", m.ID, "incoming", pm.incoming, "candidate", pm.candidate, "qty", qty)
	c.continueRound(pm)
}

func (c *Community) provisionalFill(id order.OrderID, traded int64) {
	if t, ok := c.book.Get(id); ok && traded < t.Quantity.Amount {
		c.book.UpdateTraded(id, traded)
	}
}

func (c *Community) onSyncRequest(from wire.PeerID, m wire.OrderBookSyncRequest) {
	if !c.cfg.Market.IsMatchmaker {
		return
	}
	ticks := c.book.Snapshot()
	if len(m.Pairs) > 0 {
		want := make(map[order.AssetPair]bool, len(m.Pairs))
		for _, p := range m.Pairs {
			want[p] = true
		}
		kept := ticks[:0]
		for _, t := range ticks {
			if want[t.Pair()] {
				kept = append(kept, t)
			}
		}
		ticks = kept
	}
	c.log.Debugw("orderbook_sync_served", "to", from, "ticks", len(ticks))
	c.send(from, wire.OrderBookSyncResponse{Ticks: ticks})
}

// onSyncResponse merges a peer's book. Merged ticks do not start rounds.
func (c *Community) onSyncResponse(from wire.PeerID, m wire.OrderBookSyncResponse) {
	if !c.cfg.Market.IsMatchmaker || !c.dir.Contains(from) {
		return
	}
	now := c.clock.Now()
	valid := make([]order.Tick, 0, len(m.Ticks))
	for _, t := range m.Ticks {
		if t.OrderID.Trader == c.self || t.Expired(now) || crypto.VerifyTick(t) != nil {
			continue
		}
		valid = append(valid, t)
	}
	n := c.book.Merge(valid)
	c.updateBookGauge()
	c.log.Infow("orderbook_synced", "from", from, "received", len(m.Ticks), "inserted", n)
}

func (c *Community) sweepExpired() {
	if !c.cfg.Market.IsMatchmaker {
		return
	}
	for _, id := range c.book.PruneExpired(c.clock.Now()) {
		delete(c.rounds, id)
		delete(c.rematched, id)
		c.log.Debugw("tick_pruned", "order", id)
	}
	c.updateBookGauge()
}

// trader side of a match

func (c *Community) onMatch(from wire.PeerID, m wire.Match) {
	if m.ID.Matchmaker != from || m.Own.Trader != c.self {
		c.log.Debugw("match_ignored", "from", from, "match", m.ID)
		return
	}
	if err := crypto.VerifyTick(m.Candidate); err != nil {
		c.send(from, wire.MatchDecline{ID: m.ID, Reason: wire.ReasonOrderInvalid})
		return
	}
	c.neg.Propose(negotiation.Request{
		Match:     m.ID,
		Own:       m.Own,
		Candidate: m.Candidate,
		Quantity:  m.Quantity,
	})
}

func (c *Community) onNegotiationFailed(req negotiation.Request, reason wire.DeclineReason) {
	if req.Match.Matchmaker == "" {
		return
	}
	c.send(req.Match.Matchmaker, wire.MatchDecline{ID: req.Match, Reason: reason})
}

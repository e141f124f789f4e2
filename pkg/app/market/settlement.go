package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
	"github.com/uhyunpark/hypermarket/pkg/app/core/transaction"
	"github.com/uhyunpark/hypermarket/pkg/negotiation"
	"github.com/uhyunpark/hypermarket/pkg/requestcache"
	"github.com/uhyunpark/hypermarket/pkg/wire"
)

const (
	NamespaceSettlement   = "settlement"
	NamespaceEarlyPayment = "early-payment"

	maxEarlyPayments = 1024
	maxEarlyPerPeer  = 16
)

// settlement tracks the asynchronous parts of one pending transaction.
type settlement struct {
	timeout    uint64
	monitoring bool
}

func settlementKey(n uint64) requestcache.Key {
	return requestcache.Key{Namespace: NamespaceSettlement, ID: n}
}

// earlyKey names a Payment that arrived before its transaction existed. Only
// the entry sent by the transaction's partner is ever replayed.
type earlyKey struct {
	tx   uuid.UUID
	from wire.PeerID
}

type earlyPayment struct {
	payment wire.Payment
	timeout uint64
}

func earlyPaymentKey(n uint64) requestcache.Key {
	return requestcache.Key{Namespace: NamespaceEarlyPayment, ID: n}
}

// holdEarly buffers p until SettlementTimeout passes or the transaction is
// opened.
func (c *Community) holdEarly(from wire.PeerID, p wire.Payment) {
	k := earlyKey{tx: p.TransactionID, from: from}
	if _, ok := c.early[k]; ok {
		return
	}
	if len(c.early) >= maxEarlyPayments || c.earlyPerPeer[from] >= maxEarlyPerPeer {
		c.log.Debugw("early_payment_dropped", "transaction", p.TransactionID, "from", from)
		return
	}
	n := c.cache.NextID(NamespaceEarlyPayment)
	if err := c.cache.Add(earlyPaymentKey(n), c.cfg.Market.SettlementTimeout, k, func(any) {
		c.dropEarly(k)
	}); err != nil {
		return
	}
	c.early[k] = &earlyPayment{payment: p, timeout: n}
	c.earlyPerPeer[from]++
}

// takeEarly removes and returns the Payment from held for tx.
func (c *Community) takeEarly(tx uuid.UUID, from wire.PeerID) (wire.Payment, bool) {
	k := earlyKey{tx: tx, from: from}
	e, ok := c.early[k]
	if !ok {
		return wire.Payment{}, false
	}
	c.cache.Pop(earlyPaymentKey(e.timeout))
	c.dropEarly(k)
	return e.payment, true
}

func (c *Community) dropEarly(k earlyKey) {
	if _, ok := c.early[k]; !ok {
		return
	}
	delete(c.early, k)
	if c.earlyPerPeer[k.from]--; c.earlyPerPeer[k.from] <= 0 {
		delete(c.earlyPerPeer, k.from)
	}
}

// onAgreed opens the transaction for a finished negotiation and pays the
// outgoing leg.
func (c *Community) onAgreed(a negotiation.Agreement) {
	if a.Initiator {
		c.send(a.Match.Matchmaker, wire.MatchDone{ID: a.Match, Quantity: a.Quantity.Amount})
	}
	tx, err := c.txs.Create(transaction.Terms{
		ID:             a.TransactionID,
		Own:            a.Own,
		OwnSide:        a.OwnSide,
		Counterparty:   a.Counterparty,
		PartnerAddress: a.PartnerAddress,
		Price:          a.Price,
		Quantity:       a.Quantity,
	}, c.clock.Now())
	if err != nil {
		c.log.Warnw("transaction_create_failed", "transaction", a.TransactionID, "err", err)
		c.releaseOrder(a.Own, a.Quantity.Amount)
		return
	}
	if c.cfg.OnTransaction != nil {
		c.cfg.OnTransaction(tx.Clone())
	}
	c.log.Infow("transaction_started", "transaction", tx.ID, "own", tx.OwnOrderID, "partner", tx.Partner,
		"qty", tx.Quantity, "price", tx.Price, "pay", tx.Outgoing.Amount.String()+" "+tx.Outgoing.Asset)

	n := c.cache.NextID(NamespaceSettlement)
	txID := tx.ID
	if err := c.cache.Add(settlementKey(n), c.cfg.Market.SettlementTimeout, txID, func(any) {
		c.onSettlementTimeout(txID)
	}); err != nil {
		c.log.Warnw("settlement_timer_failed", "transaction", txID, "err", err)
	}
	c.settlements[txID] = &settlement{timeout: n}

	c.transfer(tx)
	if p, ok := c.takeEarly(txID, tx.Partner); ok {
		c.onPayment(tx.Partner, p)
	}
}

// transfer pays the outgoing leg on a wallet goroutine.
func (c *Community) transfer(tx *transaction.Transaction) {
	w, ok := c.cfg.Wallets[tx.Outgoing.Asset]
	if !ok {
		c.fail(tx, fmt.Sprintf("no wallet for %s", tx.Outgoing.Asset), true)
		return
	}
	txID, amount, to := tx.ID, tx.Outgoing.Amount, tx.PartnerAddress
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Market.SettlementTimeout)
	go func() {
		defer cancel()
		walletTx, err := w.Transfer(ctx, amount, to)
		c.post(func() { c.onTransferred(txID, walletTx, err) })
	}()
}

func (c *Community) onTransferred(id uuid.UUID, walletTx string, err error) {
	tx, ferr := c.txs.FindByID(id)
	if ferr != nil || !tx.IsPending() {
		return
	}
	if err != nil {
		c.log.Warnw("transfer_failed", "transaction", id, "err", err)
		c.fail(tx, "outgoing transfer: "+err.Error(), true)
		return
	}
	if err := tx.PayOutgoing(walletTx); err != nil {
		return
	}
	c.saveTx(tx)
	c.log.Infow("payment_sent", "transaction", id, "wallet_tx", walletTx, "amount", tx.Outgoing.Amount, "asset", tx.Outgoing.Asset)
	c.send(tx.Partner, wire.Payment{
		TransactionID: id,
		Asset:         tx.Outgoing.Asset,
		Amount:        tx.Outgoing.Amount,
		WalletTxID:    walletTx,
		Success:       true,
	})
	c.tryComplete(tx)
}

func (c *Community) onPayment(from wire.PeerID, p wire.Payment) {
	tx, err := c.txs.FindByID(p.TransactionID)
	if errors.Is(err, transaction.ErrNotFound) {
		// the partner may pay before our side of the agreement is processed
		c.holdEarly(from, p)
		return
	}
	if err != nil || from != tx.Partner || !tx.IsPending() {
		return
	}
	if !p.Success {
		c.log.Infow("partner_payment_failed", "transaction", tx.ID, "reason", p.Reason)
		c.fail(tx, "partner: "+p.Reason, false)
		return
	}
	s := c.settlements[tx.ID]
	if tx.Incoming.Done || (s != nil && s.monitoring) {
		return
	}
	if p.Asset != tx.Incoming.Asset || !p.Amount.Equal(tx.Incoming.Amount) {
		c.fail(tx, fmt.Sprintf("partner paid %s %s, expected %s %s", p.Amount, p.Asset, tx.Incoming.Amount, tx.Incoming.Asset), true)
		return
	}
	w, ok := c.cfg.Wallets[tx.Incoming.Asset]
	if !ok {
		c.fail(tx, fmt.Sprintf("no wallet for %s", tx.Incoming.Asset), true)
		return
	}
	if s != nil {
		s.monitoring = true
	}
	id, walletTx, amount := tx.ID, p.WalletTxID, tx.Incoming.Amount
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Market.SettlementTimeout)
	go func() {
		defer cancel()
		err := w.Monitor(ctx, walletTx, amount)
		c.post(func() { c.onIncoming(id, walletTx, err) })
	}()
}

func (c *Community) onIncoming(id uuid.UUID, walletTx string, err error) {
	tx, ferr := c.txs.FindByID(id)
	if ferr != nil || !tx.IsPending() {
		return
	}
	if s := c.settlements[id]; s != nil {
		s.monitoring = false
	}
	if err != nil {
		c.log.Warnw("incoming_payment_unconfirmed", "transaction", id, "wallet_tx", walletTx, "err", err)
		c.fail(tx, "incoming payment: "+err.Error(), true)
		return
	}
	if err := tx.ConfirmIncoming(walletTx); err != nil {
		return
	}
	c.saveTx(tx)
	c.log.Infow("payment_received", "transaction", id, "wallet_tx", walletTx, "amount", tx.Incoming.Amount, "asset", tx.Incoming.Asset)
	c.tryComplete(tx)
}

func (c *Community) tryComplete(tx *transaction.Transaction) {
	if !tx.Complete(c.clock.Now()) {
		return
	}
	c.finishSettlement(tx)
	c.saveTx(tx)
	c.m.Transactions.WithLabelValues(string(tx.Status)).Inc()
	c.log.Infow("transaction_completed", "transaction", tx.ID, "own", tx.OwnOrderID, "qty", tx.Quantity.Amount)

	o, err := c.orders.Get(tx.OwnOrderID)
	if err != nil {
		c.log.Warnw("order_missing", "order", tx.OwnOrderID, "err", err)
		return
	}
	wasOpen := o.IsOpen()
	if err := o.AddTrade(tx.Quantity.Amount); err != nil {
		c.log.Warnw("order_trade_failed", "order", o.ID, "err", err)
		return
	}
	c.saveOrder(o)
	switch {
	case !o.IsOpen() && wasOpen:
		c.disarmExpiry(o.ID)
		c.unpublish(o.ID)
	case o.IsOpen():
		c.publish(o.Tick())
	}
}

// fail ends tx in error and releases its reservation. A leg that already
// went out is not reversed. notify tells the partner.
func (c *Community) fail(tx *transaction.Transaction, reason string, notify bool) {
	if !tx.Fail(reason, c.clock.Now()) {
		return
	}
	c.finishSettlement(tx)
	c.saveTx(tx)
	c.m.Transactions.WithLabelValues(string(tx.Status)).Inc()
	c.log.Warnw("transaction_failed", "transaction", tx.ID, "own", tx.OwnOrderID, "reason", reason, "outgoing_paid", tx.Outgoing.Done)
	if notify {
		c.send(tx.Partner, wire.Payment{TransactionID: tx.ID, Success: false, Reason: reason})
	}
	o, err := c.orders.Get(tx.OwnOrderID)
	if err != nil {
		return
	}
	o.Release(tx.Quantity.Amount)
	c.saveOrder(o)
	if o.IsOpen() {
		c.publish(o.Tick())
	}
}

func (c *Community) finishSettlement(tx *transaction.Transaction) {
	if s, ok := c.settlements[tx.ID]; ok {
		c.cache.Pop(settlementKey(s.timeout))
		delete(c.settlements, tx.ID)
	}
	c.m.SettlementTime.Observe(tx.CompletedAt.Sub(tx.CreatedAt).Seconds())
}

func (c *Community) onSettlementTimeout(id uuid.UUID) {
	delete(c.settlements, id)
	tx, err := c.txs.FindByID(id)
	if err != nil || !tx.IsPending() {
		return
	}
	c.fail(tx, "settlement timeout", true)
}

func (c *Community) releaseOrder(id order.OrderID, qty int64) {
	o, err := c.orders.Get(id)
	if err != nil {
		return
	}
	o.Release(qty)
	c.saveOrder(o)
}

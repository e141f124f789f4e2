package market

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
	"github.com/uhyunpark/hypermarket/pkg/crypto"
	"github.com/uhyunpark/hypermarket/pkg/wire"
)

// CreateAsk offers qty of qtyAsset at price priceAsset per unit.
func (c *Community) CreateAsk(ctx context.Context, price decimal.Decimal, priceAsset string, qty int64, qtyAsset string, timeout time.Duration) (*order.Order, error) {
	return c.create(ctx, order.Ask, price, priceAsset, qty, qtyAsset, timeout)
}

// CreateBid asks for qty of qtyAsset paying up to price priceAsset per unit.
func (c *Community) CreateBid(ctx context.Context, price decimal.Decimal, priceAsset string, qty int64, qtyAsset string, timeout time.Duration) (*order.Order, error) {
	return c.create(ctx, order.Bid, price, priceAsset, qty, qtyAsset, timeout)
}

// create stores and signs the order and publishes its tick. Without a known
// matchmaker the tick is published once the first one appears; with
// RequireMatchmaker set the call waits for that moment.
func (c *Community) create(ctx context.Context, side order.Side, price decimal.Decimal, priceAsset string, qty int64, qtyAsset string, timeout time.Duration) (*order.Order, error) {
	var (
		out  *order.Order
		wait chan struct{}
		err  error
	)
	derr := c.do(ctx, func() {
		for _, asset := range []string{priceAsset, qtyAsset} {
			if _, ok := c.cfg.Wallets[asset]; !ok {
				err = fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
				return
			}
		}
		var o *order.Order
		o, err = c.orders.Create(side,
			order.Price{Amount: price, Asset: priceAsset},
			order.Quantity{Amount: qty, Asset: qtyAsset},
			timeout, c.clock.Now())
		if err != nil {
			return
		}
		t := o.Tick()
		if err = c.cfg.Signer.SignTick(&t); err != nil {
			err = fmt.Errorf("sign order %s: %w", o.ID, err)
			return
		}
		o.Signer, o.Signature = t.Signer, t.Signature
		o.Verified = crypto.VerifyTick(t) == nil
		c.saveOrder(o)
		c.armExpiry(o)
		c.log.Infow("order_created", "order", o.ID, "side", o.Side, "price", o.Price, "qty", o.Quantity, "timeout", timeout)

		c.publish(o.Tick())
		if c.dir.Len() == 0 && c.cfg.Market.RequireMatchmaker {
			wait = make(chan struct{})
			c.waiters = append(c.waiters, wait)
		}
		out = o.Clone()
	})
	if derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return out, fmt.Errorf("%w: %w", ErrNoMatchmaker, ctx.Err())
		case <-c.stop:
			return out, ErrStopped
		}
	}
	return out, nil
}

// publish hands t to the local book on matchmakers and to every known
// matchmaker.
func (c *Community) publish(t order.Tick) {
	if c.cfg.Market.IsMatchmaker {
		c.acceptTick(t)
	}
	for _, mm := range c.dir.List() {
		c.send(mm, wire.Tick{Tick: t})
	}
}

func (c *Community) unpublish(id order.OrderID) {
	if c.cfg.Market.IsMatchmaker {
		c.dropTick(id)
	}
	for _, mm := range c.dir.List() {
		c.send(mm, wire.TickRemove{OrderID: id})
	}
}

func (c *Community) armExpiry(o *order.Order) {
	id := o.ID
	d := o.ExpiresAt().Sub(c.clock.Now())
	if d < 0 {
		d = 0
	}
	if t, ok := c.expiry[id]; ok {
		t.Stop()
	}
	c.expiry[id] = c.clock.AfterFunc(d, func() {
		c.post(func() { c.expireOrder(id) })
	})
}

func (c *Community) disarmExpiry(id order.OrderID) {
	if t, ok := c.expiry[id]; ok {
		t.Stop()
		delete(c.expiry, id)
	}
}

func (c *Community) expireOrder(id order.OrderID) {
	delete(c.expiry, id)
	o, err := c.orders.Get(id)
	if err != nil || !o.Expire() {
		return
	}
	c.saveOrder(o)
	c.log.Infow("order_expired", "order", id, "traded", o.Traded)
	c.unpublish(id)
}

// CancelOrder closes an open order and withdraws its tick. Running
// negotiations finish; new proposals for it are declined.
func (c *Community) CancelOrder(ctx context.Context, id order.OrderID) error {
	if id.Trader != c.self {
		return fmt.Errorf("cancel %s: %w", id, ErrNotOwnOrder)
	}
	var err error
	if derr := c.do(ctx, func() {
		var o *order.Order
		if o, err = c.orders.Get(id); err != nil {
			return
		}
		if err = o.Cancel(); err != nil {
			err = fmt.Errorf("cancel %s: %w", id, err)
			return
		}
		c.saveOrder(o)
		c.disarmExpiry(id)
		c.log.Infow("order_cancelled", "order", id, "traded", o.Traded)
		c.unpublish(id)
	}); derr != nil {
		return derr
	}
	return err
}

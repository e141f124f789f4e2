package order

import (
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Tick is what a matchmaker holds for a remote order. It may lag behind the
// owner's Order until a newer tick, a removal or a sync corrects it.
type Tick struct {
	OrderID             OrderID        `json:"order_id"`
	Side                Side           `json:"side"`
	Price               Price          `json:"price"`
	Quantity            Quantity       `json:"quantity"`
	Traded              int64          `json:"traded"`
	ReservedForMatching int64          `json:"reserved_for_matching"`
	Timestamp           time.Time      `json:"timestamp"`
	Timeout             time.Duration  `json:"timeout"`
	Signer              common.Address `json:"signer"`
	Signature           []byte         `json:"signature,omitempty"`
}

func (t Tick) IsAsk() bool { return t.Side == Ask }

func (t Tick) Pair() AssetPair {
	return AssetPair{Quantity: t.Quantity.Asset, Price: t.Price.Asset}
}

func (t Tick) Available() int64 {
	return t.Quantity.Amount - t.Traded - t.ReservedForMatching
}

func (t Tick) Completed() bool { return t.Traded >= t.Quantity.Amount }

func (t Tick) Expired(now time.Time) bool { return !now.Before(t.Timestamp.Add(t.Timeout)) }

// Crosses reports whether t and other can trade at their limit prices.
func (t Tick) Crosses(other Tick) bool {
	if t.Side == other.Side {
		return false
	}
	ask, bid := t, other
	if t.Side == Bid {
		ask, bid = other, t
	}
	return bid.Price.Amount.GreaterThanOrEqual(ask.Price.Amount)
}

// Digest is the keccak256 hash the owner signs. Traded and reservation state
// change over the tick's life and are not covered.
func (t Tick) Digest() []byte {
	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	writeStr := func(s string) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	writeU64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	writeStr(string(t.OrderID.Trader))
	writeU64(t.OrderID.Number)
	writeU64(uint64(int64(t.Side)))
	writeStr(t.Price.Amount.String())
	writeStr(t.Price.Asset)
	writeU64(uint64(t.Quantity.Amount))
	writeStr(t.Quantity.Asset)
	writeU64(uint64(t.Timestamp.UnixNano()))
	writeU64(uint64(t.Timeout))
	h.Write(t.Signer.Bytes())
	return h.Sum(nil)
}

package storage

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
)

// Key schema:
//
//   ord:<trader>:<number>  → Order (number zero-padded to 20 digits)
//   seq:ord:<trader>       → last allocated order number
//   tx:<uuid>              → Transaction
//   peer:<id>              → known matchmaker
const (
	prefixOrder       = "ord:"
	prefixOrderSeq    = "seq:ord:"
	prefixTransaction = "tx:"
	prefixPeer        = "peer:"
)

// orderKey returns the key for an order
// Format: "ord:{trader}:{number}"
func orderKey(id order.OrderID) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixOrder, id.Trader, id.Number))
}

func orderSeqKey(trader order.TraderID) []byte {
	return []byte(prefixOrderSeq + string(trader))
}

func transactionKey(id uuid.UUID) []byte {
	return []byte(prefixTransaction + id.String())
}

func peerKey(id string) []byte {
	return []byte(prefixPeer + id)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

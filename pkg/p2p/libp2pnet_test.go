package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/uhyunpark/hypermarket/pkg/wire"
)

func TestLibp2pSendAndConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := NewLibp2pNet(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	var ga inbox
	a.SetHandlers(ga.handlers())

	b, err := NewLibp2pNet(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0", Bootstrap: a.Addrs()})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	var gb inbox
	b.SetHandlers(gb.handlers())

	for i := uint64(1); i <= 3; i++ {
		if err := b.Send(a.Self(), wire.Ping{ID: i}); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(10 * time.Second)
	for ga.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("received %d of 3", ga.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
	ga.mu.Lock()
	defer ga.mu.Unlock()
	for i, m := range ga.msgs {
		if m.(wire.Ping).ID != uint64(i+1) || ga.from[i] != b.Self() {
			t.Fatalf("message %d = %+v from %s", i, m, ga.from[i])
		}
	}
	if err := a.Send("not-a-peer-id", wire.Ping{}); err == nil {
		t.Fatal("send to malformed id succeeded")
	}
}

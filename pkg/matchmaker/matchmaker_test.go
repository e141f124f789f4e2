package matchmaker

import (
	"testing"
	"time"

	"github.com/uhyunpark/hypermarket/pkg/requestcache"
	"github.com/uhyunpark/hypermarket/pkg/util"
	"github.com/uhyunpark/hypermarket/pkg/wire"
)

type recorder struct {
	sent []sent
}

type sent struct {
	to  wire.PeerID
	msg wire.Message
}

func (r *recorder) Send(to wire.PeerID, msg wire.Message) error {
	r.sent = append(r.sent, sent{to, msg})
	return nil
}

func TestDirectoryAddRemove(t *testing.T) {
	d := NewDirectory("self")
	var firsts []bool
	removed := 0
	d.OnAdded(func(_ wire.PeerID, first bool) { firsts = append(firsts, first) })
	d.OnRemoved(func(wire.PeerID) { removed++ })

	if d.Add("self") {
		t.Fatal("added self")
	}
	if !d.Add("mm-b") || !d.Add("mm-a") || d.Add("mm-a") {
		t.Fatal("unexpected add result")
	}
	if len(firsts) != 2 || !firsts[0] || firsts[1] {
		t.Fatalf("first flags = %v", firsts)
	}
	if got := d.List(); len(got) != 2 || got[0] != "mm-a" {
		t.Fatalf("list = %v", got)
	}
	d.Remove("mm-a")
	d.Remove("mm-a")
	if removed != 1 || d.Contains("mm-a") || d.Len() != 1 {
		t.Fatalf("removed=%d len=%d", removed, d.Len())
	}
}

func setup() (*Directory, *Liveness, *recorder, *util.ManualClock) {
	clk := util.NewManualClock(time.Unix(0, 0))
	d := NewDirectory("self")
	rec := &recorder{}
	l := NewLiveness(d, requestcache.New(clk, nil), rec, time.Second, nil)
	return d, l, rec, clk
}

func TestPongKeepsMatchmaker(t *testing.T) {
	d, l, rec, clk := setup()
	d.Add("mm")
	id, err := l.Ping("mm")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.sent) != 1 || rec.sent[0].msg.(wire.Ping).ID != id {
		t.Fatalf("sent = %+v", rec.sent)
	}
	if !l.HandlePong("mm", wire.Pong{ID: id}) {
		t.Fatal("pong not accepted")
	}
	clk.Advance(time.Minute)
	if !d.Contains("mm") {
		t.Fatal("answered matchmaker evicted")
	}
}

func TestEvictExactlyOnce(t *testing.T) {
	d, l, _, clk := setup()
	evictions := 0
	d.OnRemoved(func(wire.PeerID) { evictions++ })
	d.Add("mm")

	l.Ping("mm")
	clk.Advance(300 * time.Millisecond)
	l.Ping("mm")
	clk.Advance(5 * time.Second)

	if d.Contains("mm") {
		t.Fatal("silent matchmaker kept")
	}
	if evictions != 1 {
		t.Fatalf("evicted %d times", evictions)
	}
	if l.Pinging("mm") {
		t.Fatal("pending pings left behind")
	}
}

func TestPongFromWrongPeerIgnored(t *testing.T) {
	d, l, _, clk := setup()
	d.Add("mm-a")
	d.Add("mm-b")
	id, _ := l.Ping("mm-a")
	if l.HandlePong("mm-b", wire.Pong{ID: id}) {
		t.Fatal("accepted pong from the wrong peer")
	}
	clk.Advance(2 * time.Second)
	if d.Contains("mm-a") || !d.Contains("mm-b") {
		t.Fatalf("list = %v", d.List())
	}
}

func TestPingAllSkipsInFlight(t *testing.T) {
	d, l, rec, _ := setup()
	for _, p := range []wire.PeerID{"a", "b", "c"} {
		d.Add(p)
	}
	l.Ping("b")
	rec.sent = nil
	if n := l.PingAll(); n != 2 {
		t.Fatalf("pinged %d", n)
	}
	for _, s := range rec.sent {
		if s.to == "b" {
			t.Fatal("pinged b twice")
		}
	}
	if _, ok := l.PickOnline(); !ok {
		t.Fatal("no pick")
	}
}

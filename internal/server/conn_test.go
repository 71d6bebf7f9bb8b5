package server

import (
	"testing"
	"time"

	"github.com/energizer-project/replicator/internal/peers"
	"github.com/energizer-project/replicator/internal/protocol"
)

func TestAcceptSequence(t *testing.T) {
	c := newPeerConn(peers.Peer{ID: 1})
	tests := []struct {
		seq  uint32
		want bool
	}{
		{5, true},
		{5, false},
		{4, false},
		{6, true},
		{0xFFFFFFFE, false},
		{9, true},
	}
	for _, tt := range tests {
		if got := c.acceptSequence(tt.seq); got != tt.want {
			t.Errorf("acceptSequence(%d) = %v, want %v", tt.seq, got, tt.want)
		}
	}
}

func TestReliableBacklog(t *testing.T) {
	c := newPeerConn(peers.Peer{ID: 1})
	for i := 0; i < MaxReliableBacklog; i++ {
		c.queueReliable(protocol.CmdCloneRemove, []byte{1, 2, 0}, false)
	}
	if c.overflowed {
		t.Fatal("overflowed at the limit")
	}

	c.ackReliable(10)
	if len(c.outReliable) != MaxReliableBacklog-10 || c.outReliable[0].ID != 11 {
		t.Fatalf("outbox = %d commands starting at %d", len(c.outReliable), c.outReliable[0].ID)
	}
	c.ackReliable(5)
	if c.outReliableAcked != 10 {
		t.Fatalf("stale ack moved acked to %d", c.outReliableAcked)
	}

	for i := 0; i < 10; i++ {
		c.queueReliable(protocol.CmdCloneRemove, nil, false)
	}
	if c.overflowed {
		t.Fatal("overflowed after acks freed room")
	}
	c.queueReliable(protocol.CmdCloneRemove, nil, false)
	if !c.overflowed {
		t.Fatal("backlog past the limit was accepted")
	}

	before := len(c.outReliable)
	c.queueReliable(protocol.CmdQuit, []byte("bye\x00"), true)
	if len(c.outReliable) != before+1 {
		t.Fatal("forced quit was not queued")
	}
}

func TestNextFrameOrderAndSplit(t *testing.T) {
	c := newPeerConn(peers.Peer{ID: 1})
	c.inReliable = 3
	c.ackPending = true
	c.hello = &protocol.Hello{ID: 2, Base: 40}
	c.queueReliable(protocol.CmdCloneRemove, protocol.EncodeCloneRemove(protocol.EntityHandle{Owner: 2, ID: 9}), false)
	c.acks = []protocol.Ack{{Op: protocol.OpCreate, Handle: protocol.EntityHandle{Owner: 1, ID: 1}}}
	c.queueRoute(2, make([]byte, 40000))
	c.queueRoute(3, make([]byte, 40000))

	msgs, dropped := c.nextFrame(true)
	if dropped != 0 {
		t.Fatalf("dropped = %d", dropped)
	}
	if len(msgs) != 5 {
		t.Fatalf("first frame has %d sub-messages", len(msgs))
	}
	if ack, ok := msgs[0].(protocol.ReliableAck); !ok || ack.ID != 3 {
		t.Fatalf("msgs[0] = %#v", msgs[0])
	}
	if h, ok := msgs[1].(protocol.Hello); !ok || h.ID != 2 || h.Base != 40 {
		t.Fatalf("msgs[1] = %#v", msgs[1])
	}
	if r, ok := msgs[2].(protocol.Reliable); !ok || r.Type != protocol.CmdCloneRemove || r.ID != 1 {
		t.Fatalf("msgs[2] = %#v", msgs[2])
	}
	if a, ok := msgs[3].(protocol.CloneAcks); !ok || len(a.Acks) != 1 {
		t.Fatalf("msgs[3] = %#v", msgs[3])
	}
	if r, ok := msgs[4].(protocol.Route); !ok || r.Peer != 2 {
		t.Fatalf("msgs[4] = %#v", msgs[4])
	}
	if c.hello != nil || c.ackPending {
		t.Fatal("first frame left the hello or ack pending")
	}
	if !c.queued() {
		t.Fatal("second route should still be queued")
	}

	msgs, _ = c.nextFrame(false)
	if len(msgs) != 1 {
		t.Fatalf("second frame has %d sub-messages", len(msgs))
	}
	if r, ok := msgs[0].(protocol.Route); !ok || r.Peer != 3 {
		t.Fatalf("second frame = %#v", msgs[0])
	}
	if c.queued() {
		t.Fatal("nothing should be left")
	}
	if len(c.outReliable) != 1 {
		t.Fatal("reliable commands stay queued until acked")
	}
}

func TestNextFrameFitsDatagram(t *testing.T) {
	c := newPeerConn(peers.Peer{ID: 1})
	for i := 0; i < 20000; i++ {
		c.acks = append(c.acks, protocol.Ack{Op: protocol.OpRemove, Handle: protocol.EntityHandle{ID: uint16(i)}})
	}

	total := 0
	for first := true; c.queued(); first = false {
		msgs, _ := c.nextFrame(first)
		data, err := protocol.EncodeFrame(1, msgs)
		if err != nil {
			t.Fatalf("EncodeFrame: %v", err)
		}
		if len(data) > protocol.MaxDatagramSize {
			t.Fatalf("frame of %d bytes exceeds datagram size", len(data))
		}
		for _, m := range msgs {
			total += len(m.(protocol.CloneAcks).Acks)
		}
	}
	if total != 20000 {
		t.Fatalf("sent %d acks", total)
	}
}

func TestNextFrameDropsOversizedRoute(t *testing.T) {
	c := newPeerConn(peers.Peer{ID: 1})
	c.queueRoute(2, make([]byte, protocol.MaxRouteLength))
	c.queueRoute(3, []byte("small"))

	msgs, dropped := c.nextFrame(true)
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if len(msgs) != 1 || msgs[0].(protocol.Route).Peer != 3 {
		t.Fatalf("frame = %#v", msgs)
	}
}

func TestLagMonitor(t *testing.T) {
	lm := NewLagMonitor()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if lm.Level(now) != "" {
		t.Fatal("empty monitor reports a level")
	}

	lm.Record(now.Add(-2*time.Hour), 300*time.Millisecond)
	for i := 0; i < LagWarningThreshold; i++ {
		lm.Record(now.Add(-time.Duration(i)*time.Minute), 100*time.Millisecond)
	}

	sum := lm.Summary(now)
	if sum.Total != LagWarningThreshold+1 || sum.LastHour != LagWarningThreshold {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Max != 300*time.Millisecond {
		t.Fatalf("max = %s", sum.Max)
	}
	if lm.Level(now) != "warning" {
		t.Fatalf("level = %q", lm.Level(now))
	}

	for i := 0; i < LagCriticalThreshold; i++ {
		lm.Record(now, 50*time.Millisecond)
	}
	if lm.Level(now) != "critical" {
		t.Fatalf("level = %q", lm.Level(now))
	}
}

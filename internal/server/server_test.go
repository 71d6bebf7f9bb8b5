package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/replicator/internal/events"
	"github.com/energizer-project/replicator/internal/network"
	"github.com/energizer-project/replicator/internal/protocol"
	"github.com/energizer-project/replicator/internal/session"
)

type stubHandshaker struct{}

func (stubHandshaker) Handshake(context.Context, string, uint16, map[string]string) (session.SessionToken, error) {
	return "token", nil
}

type testClient struct {
	*session.Session
	transport *session.UDPTransport

	acks    []protocol.Ack
	errs    []error
	removed []protocol.EntityHandle
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	opts.Endpoints = []string{"127.0.0.1:0"}
	if opts.MaxClients == 0 {
		opts.MaxClients = 8
	}
	opts.TickInterval = 5 * time.Millisecond

	srv := New(opts)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func dial(t *testing.T, srv *Server, guid string) *testClient {
	t.Helper()
	tr, err := session.ListenUDP("127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	c := &testClient{transport: tr}
	cfg := session.DefaultConfig()
	cfg.Name = "client-" + guid
	cfg.GUID = guid
	cfg.SendInterval = time.Millisecond
	c.Session = session.New(cfg, tr, stubHandshaker{}, session.ObserverFuncs{
		ConnectionError: func(err error) { c.errs = append(c.errs, err) },
		CloneAcks:       func(acks []protocol.Ack) { c.acks = append(c.acks, acks...) },
	})
	c.AddReliableHandler("msgCloneRemove", func(data []byte) {
		h, err := protocol.DecodeCloneRemove(data)
		if err != nil {
			t.Errorf("DecodeCloneRemove: %v", err)
			return
		}
		c.removed = append(c.removed, h)
	})

	if err := c.Connect("127.0.0.1", srv.EndpointAddrs()[0].Port()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(t, "connect "+guid, func() bool { return c.State() == session.StateConnected }, c)
	return c
}

// pump runs every client's frame until cond holds.
func pump(t *testing.T, what string, cond func() bool, clients ...*testClient) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		for _, c := range clients {
			c.RunFrame(time.Now())
		}
		time.Sleep(time.Millisecond)
	}
}

func closedReason(errs []error) (string, bool) {
	for _, err := range errs {
		var closed *session.ClosedError
		if errors.As(err, &closed) {
			return closed.Reason, true
		}
	}
	return "", false
}

func TestConnectAndRoute(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	var mu sync.Mutex
	var joined []uint16
	bus.Subscribe(events.EventPeerConnected, "test", func(_ context.Context, ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		joined = append(joined, ev.Payload.(events.PeerPayload).ID)
		return nil
	})

	srv := startServer(t, Options{Bus: bus})
	a := dial(t, srv, "aaa")
	b := dial(t, srv, "bbb")

	if a.LocalID() != 1 || b.LocalID() != 2 {
		t.Fatalf("ids = %d, %d, want 1, 2", a.LocalID(), b.LocalID())
	}

	if err := a.EnqueueRoutedPacket(b.LocalID(), []byte("hello b")); err != nil {
		t.Fatalf("EnqueueRoutedPacket: %v", err)
	}
	var got session.RoutedPacket
	pump(t, "routed packet", func() bool {
		p, ok := b.DequeueRoutedPacket()
		if ok {
			got = p
		}
		return ok
	}, a, b)

	if got.Peer != a.LocalID() || string(got.Payload) != "hello b" {
		t.Fatalf("routed packet = %+v", got)
	}

	st := srv.Stats()
	if st.Peers != 2 || st.Traffic.RoutesRelayed != 1 {
		t.Fatalf("stats = %+v", st)
	}

	pump(t, "peer connected events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(joined) == 2
	})
}

func TestRouteToUnknownPeerIsDropped(t *testing.T) {
	srv := startServer(t, Options{})
	a := dial(t, srv, "aaa")

	a.EnqueueRoutedPacket(42, []byte("nobody"))
	pump(t, "dropped route", func() bool { return srv.Stats().Traffic.RoutesDropped == 1 }, a)
}

func TestCloneBatchAckAndRemoveBroadcast(t *testing.T) {
	srv := startServer(t, Options{})
	a := dial(t, srv, "aaa")
	b := dial(t, srv, "bbb")

	h := protocol.EntityHandle{Owner: 1, ID: 7}
	err := a.QueueCloneBatch([]protocol.BatchItem{
		{Op: protocol.OpCreate, Handle: h, ObjectType: 3, Payload: []byte("crate")},
	})
	if err != nil {
		t.Fatalf("QueueCloneBatch: %v", err)
	}
	pump(t, "create ack", func() bool { return len(a.acks) == 1 }, a, b)

	if a.acks[0] != (protocol.Ack{Op: protocol.OpCreate, Handle: h}) {
		t.Fatalf("ack = %+v", a.acks[0])
	}
	ent, ok := srv.Store().Get(h)
	if !ok || ent.Owner != 1 || string(ent.Payload) != "crate" {
		t.Fatalf("stored entity = %+v, %v", ent, ok)
	}

	err = a.QueueCloneBatch([]protocol.BatchItem{{Op: protocol.OpRemove, Handle: h}})
	if err != nil {
		t.Fatalf("QueueCloneBatch: %v", err)
	}
	pump(t, "remove broadcast", func() bool { return len(b.removed) == 1 }, a, b)

	if b.removed[0] != h {
		t.Fatalf("removed = %v", b.removed)
	}
	if len(a.removed) != 0 {
		t.Fatal("remover was told about its own remove")
	}
	if srv.Store().Len() != 0 {
		t.Fatalf("store has %d entities", srv.Store().Len())
	}
}

func TestDepartedPeerEntitiesAreRemoved(t *testing.T) {
	srv := startServer(t, Options{})
	a := dial(t, srv, "aaa")
	b := dial(t, srv, "bbb")

	h := protocol.EntityHandle{Owner: 1, ID: 1}
	a.QueueCloneBatch([]protocol.BatchItem{
		{Op: protocol.OpCreate, Handle: h, ObjectType: 1, Payload: []byte("x")},
	})
	pump(t, "create ack", func() bool { return len(a.acks) == 1 }, a, b)

	a.Disconnect("Leaving.")
	pump(t, "removal of departed peer's entity", func() bool { return len(b.removed) == 1 }, b)

	if srv.Registry().Count() != 1 {
		t.Fatalf("registry has %d peers", srv.Registry().Count())
	}
}

func TestHostClaimAndClear(t *testing.T) {
	srv := startServer(t, Options{})
	a := dial(t, srv, "aaa")
	b := dial(t, srv, "bbb")

	a.SetAuthority(900)
	pump(t, "host announcement", func() bool {
		id, _, ok := b.Host()
		return ok && id == a.LocalID()
	}, a, b)

	if _, base, _ := b.Host(); base != 900 {
		t.Fatalf("host base = %d", base)
	}
	if id, _, ok := srv.Registry().Host(); !ok || id != 1 {
		t.Fatalf("registry host = %d, %v", id, ok)
	}

	b.SetAuthority(5)
	for i := 0; i < 20; i++ {
		a.RunFrame(time.Now())
		b.RunFrame(time.Now())
		time.Sleep(time.Millisecond)
	}
	if id, _, _ := srv.Registry().Host(); id != 1 {
		t.Fatalf("second claim took the host role from %d", id)
	}
	b.ClearAuthority()

	a.ClearAuthority()
	a.Disconnect("Leaving.")
	pump(t, "host cleared", func() bool {
		_, _, ok := b.Host()
		return !ok
	}, b)

	c := dial(t, srv, "ccc")
	if _, _, ok := c.Host(); ok {
		t.Fatal("new peer was told about a departed host")
	}
}

func TestKickClosesClientSession(t *testing.T) {
	srv := startServer(t, Options{})
	a := dial(t, srv, "aaa")

	if err := srv.Kick(1, "Go away."); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	pump(t, "kick", func() bool { return a.State() == session.StateIdle }, a)

	reason, ok := closedReason(a.errs)
	if !ok || reason != "Go away." {
		t.Fatalf("errors = %v", a.errs)
	}
	pump(t, "kicked peer retired", func() bool { return srv.Registry().Count() == 0 })
	if err := srv.Kick(1, ""); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("second kick err = %v", err)
	}
}

func TestStopNotifiesPeers(t *testing.T) {
	srv := startServer(t, Options{})
	a := dial(t, srv, "aaa")

	srv.Stop()
	if srv.Status() != StatusStopped {
		t.Fatalf("status = %s", srv.Status())
	}
	pump(t, "shutdown quit", func() bool { return a.State() == session.StateIdle }, a)

	reason, ok := closedReason(a.errs)
	if !ok || reason != "Server shutting down." {
		t.Fatalf("errors = %v", a.errs)
	}
	if err := srv.Kick(1, ""); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("kick after stop err = %v", err)
	}
}

func TestFramesFromUnknownAddressAreCounted(t *testing.T) {
	srv := startServer(t, Options{})

	tr, err := session.ListenUDP("127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer tr.Close()

	data, err := protocol.EncodeFrame(1, []protocol.SubMessage{protocol.Route{Peer: 1, Payload: []byte("x")}})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if err := tr.Send(srv.EndpointAddrs()[0], data); err != nil {
		t.Fatalf("Send: %v", err)
	}
	pump(t, "unknown source count", func() bool { return srv.Stats().Traffic.UnknownSource == 1 })
}

func TestGetInfoReportsIdentity(t *testing.T) {
	srv := startServer(t, Options{
		MaxClients: 4,
		Identity:   Identity{Hostname: "relay", GameName: "demo", Protocol: 3},
	})
	dial(t, srv, "aaa")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := network.Probe(ctx, srv.EndpointAddrs()[0].String(), "test")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Hostname != "relay" || info.GameName != "demo" || info.Protocol != 3 {
		t.Fatalf("info = %+v", info)
	}
	if info.Clients != 1 || info.MaxClients != 4 {
		t.Fatalf("clients = %d/%d", info.Clients, info.MaxClients)
	}
}


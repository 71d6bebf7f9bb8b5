package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/replicator/internal/config"
	"github.com/energizer-project/replicator/internal/events"
	"github.com/energizer-project/replicator/internal/protocol"
)

type fakeRelay struct{}

func (fakeRelay) Info() protocol.ServerInfo {
	return protocol.ServerInfo{Hostname: "list-me", GameName: "demo", Protocol: 2, Clients: 1, MaxClients: 16}
}

func (fakeRelay) EndpointAddrs() []netip.AddrPort {
	return []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:30120")}
}

type recorder struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
	status int
	reply  string
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var body map[string]interface{}
	json.NewDecoder(req.Body).Decode(&body)
	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	status, reply := r.status, r.reply
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write([]byte(reply))
}

func (r *recorder) snapshot() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]interface{}(nil), r.bodies...)
}

func listingConfig(url string) *config.Config {
	cfg := config.DefaultConfig()
	app := cfg.GetApplicationData()
	app.Listing = config.ListingConfig{Enabled: true, URL: url, PublicAddr: "203.0.113.7:30120"}
	cfg.SetApplicationData(app)
	return cfg
}

func TestNewListingAnnouncerDisabled(t *testing.T) {
	if l := NewListingAnnouncer(config.DefaultConfig(), fakeRelay{}, "1.0.0"); l != nil {
		t.Fatal("announcer created with listing disabled")
	}
}

func TestAnnounce(t *testing.T) {
	rec := &recorder{reply: `{"id":"abc123"}`}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	l := NewListingAnnouncer(listingConfig(srv.URL), fakeRelay{}, "1.0.0")
	if err := l.Announce(context.Background(), true); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if l.ListingID() != "abc123" || l.LastAnnounce().IsZero() {
		t.Fatalf("listing id = %q", l.ListingID())
	}

	body := rec.snapshot()[0]
	if body["hostname"] != "list-me" || body["online"] != true || body["max_clients"] != float64(16) {
		t.Fatalf("announcement = %v", body)
	}
	if body["public_addr"] != "203.0.113.7:30120" {
		t.Fatalf("public_addr = %v", body["public_addr"])
	}
	eps, _ := body["endpoints"].([]interface{})
	if len(eps) != 1 || eps[0] != "127.0.0.1:30120" {
		t.Fatalf("endpoints = %v", body["endpoints"])
	}
}

func TestAnnounceRejected(t *testing.T) {
	rec := &recorder{status: http.StatusForbidden, reply: "banned"}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	l := NewListingAnnouncer(listingConfig(srv.URL), fakeRelay{}, "1.0.0")
	if err := l.Announce(context.Background(), true); err == nil {
		t.Fatal("expected error for 403")
	}
	if !l.LastAnnounce().IsZero() {
		t.Fatal("rejected announcement recorded as accepted")
	}
}

func TestRunAnnouncesOfflineOnStop(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	l := NewListingAnnouncer(listingConfig(srv.URL), fakeRelay{}, "1.0.0")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no announcement")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	bodies := rec.snapshot()
	last := bodies[len(bodies)-1]
	if len(bodies) < 2 || last["online"] != false {
		t.Fatalf("bodies = %v", bodies)
	}
}

func TestWebhookNotifier(t *testing.T) {
	if NewWebhookNotifier(config.DefaultConfig(), events.NewEventBus()) != nil {
		t.Fatal("notifier created without a URL")
	}

	rec := &recorder{status: http.StatusNoContent}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := config.DefaultConfig()
	app := cfg.GetApplicationData()
	app.Notifications = config.NotificationConfig{WebhookURL: srv.URL, NotifyOnKick: true}
	cfg.SetApplicationData(app)

	bus := events.NewEventBus()
	defer bus.Stop()
	w := NewWebhookNotifier(cfg, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for bus.HandlerCount(events.EventPeerDisconnected) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notifier never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.EmitSync(ctx, events.Event{
		Type:    events.EventNotifyAdmin,
		Payload: events.NotifyPayload{Title: "Disk", Message: "90% used", Level: "warning"},
	})
	bus.EmitSync(ctx, events.Event{
		Type:    events.EventPeerDisconnected,
		Payload: events.PeerPayload{ID: 2, Name: "x", Reason: events.ReasonTimeout},
	})
	bus.EmitSync(ctx, events.Event{
		Type:    events.EventPeerDisconnected,
		Payload: events.PeerPayload{ID: 3, Name: "mallory", Reason: events.ReasonKicked},
	})

	bodies := rec.snapshot()
	if len(bodies) != 2 {
		t.Fatalf("webhook calls = %d", len(bodies))
	}
	first := bodies[0]["embeds"].([]interface{})[0].(map[string]interface{})
	if first["title"] != "Disk" || first["color"] != float64(0xFFAA00) {
		t.Fatalf("first embed = %v", first)
	}
	second := bodies[1]["embeds"].([]interface{})[0].(map[string]interface{})
	if second["title"] != "Peer kicked" {
		t.Fatalf("second embed = %v", second)
	}
}

package network

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/energizer-project/replicator/internal/protocol"
)

func startEndpoint(t *testing.T, cfg EndpointConfig) *Endpoint {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cfg.Addr = "127.0.0.1:0"
	ep, err := ListenEndpoint(ctx, cfg)
	if err != nil {
		cancel()
		t.Fatalf("ListenEndpoint: %v", err)
	}
	done := make(chan struct{})
	go func() {
		ep.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ep
}

func TestEndpointAnswersOOBAndForwardsFrames(t *testing.T) {
	inbox := make(chan Datagram, 4)
	ep := startEndpoint(t, EndpointConfig{
		Index: 2,
		Inbox: inbox,
		OOB: func(from netip.AddrPort, endpoint int, data []byte, now time.Time) []byte {
			text, _ := protocol.DecodeOOB(data)
			return protocol.EncodeOOB("echo " + text)
		},
	})

	conn, err := net.Dial("udp", ep.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write(protocol.EncodeOOB("hi")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if text, _ := protocol.DecodeOOB(buf[:n]); text != "echo hi" {
		t.Fatalf("reply = %q", text)
	}

	frame := []byte{1, 0, 0, 0}
	if _, err := conn.Write(frame); err != nil {
		t.Fatal(err)
	}
	select {
	case dg := <-inbox:
		if dg.Endpoint != 2 || string(dg.Data) != string(frame) {
			t.Fatalf("datagram = %+v", dg)
		}
		if dg.From.String() != conn.LocalAddr().String() {
			t.Fatalf("from = %s, want %s", dg.From, conn.LocalAddr())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not forwarded")
	}
}

func TestProbe(t *testing.T) {
	ep := startEndpoint(t, EndpointConfig{
		Inbox: make(chan Datagram, 1),
		OOB: func(from netip.AddrPort, endpoint int, data []byte, now time.Time) []byte {
			text, _ := protocol.DecodeOOB(data)
			_, args := protocol.SplitCommand(text)
			return protocol.EncodeOOB(protocol.ServerInfo{MaxClients: 8, Challenge: args, Hostname: "h"}.String())
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := Probe(ctx, ep.LocalAddr().String(), "xyz")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Challenge != "xyz" || info.MaxClients != 8 || info.Hostname != "h" {
		t.Fatalf("info = %+v", info)
	}
}

func TestRateTracker(t *testing.T) {
	rt := newRateTracker(2)
	ip := netip.MustParseAddr("10.0.0.1")
	other := netip.MustParseAddr("10.0.0.2")
	now := time.Unix(1000, 0)

	if !rt.allow(ip, now) || !rt.allow(ip, now) {
		t.Fatal("first two requests refused")
	}
	if rt.allow(ip, now) {
		t.Fatal("third request in window allowed")
	}
	if !rt.allow(other, now) {
		t.Fatal("limit leaked across sources")
	}
	if !rt.allow(ip, now.Add(time.Second)) {
		t.Fatal("new window refused")
	}
}

package session

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/energizer-project/replicator/internal/compress"
	"github.com/energizer-project/replicator/internal/protocol"
)

var (
	serverAddr = netip.MustParseAddrPort("127.0.0.1:30120")
	otherAddr  = netip.MustParseAddrPort("127.0.0.1:40000")
	t0         = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type sentDatagram struct {
	to   netip.AddrPort
	data []byte
}

type fakeTransport struct {
	in   []Datagram
	sent []sentDatagram
}

func (f *fakeTransport) Recv() (Datagram, error) {
	if len(f.in) == 0 {
		return Datagram{}, ErrWouldBlock
	}
	dg := f.in[0]
	f.in = f.in[1:]
	return dg, nil
}

func (f *fakeTransport) Send(to netip.AddrPort, data []byte) error {
	f.sent = append(f.sent, sentDatagram{to: to, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) deliver(from netip.AddrPort, data []byte) {
	f.in = append(f.in, Datagram{From: from, Data: data})
}

func (f *fakeTransport) takeSent() []sentDatagram {
	out := f.sent
	f.sent = nil
	return out
}

type fakeHandshaker struct {
	token  SessionToken
	err    error
	params map[string]string
}

func (h *fakeHandshaker) Handshake(_ context.Context, _ string, _ uint16, params map[string]string) (SessionToken, error) {
	h.params = params
	return h.token, h.err
}

type recorder struct {
	errs   []error
	acks   [][]protocol.Ack
	states []State
}

func (r *recorder) observer() Observer {
	return ObserverFuncs{
		StateChanged:    func(_, to State) { r.states = append(r.states, to) },
		ConnectionError: func(err error) { r.errs = append(r.errs, err) },
		CloneAcks:       func(acks []protocol.Ack) { r.acks = append(r.acks, acks) },
	}
}

func newTestSession(hs Handshaker) (*Session, *fakeTransport, *recorder) {
	tr := &fakeTransport{}
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.Name = "tester"
	cfg.GUID = "123"
	return New(cfg, tr, hs, rec.observer()), tr, rec
}

// runUntil calls RunFrame at now until the session reaches want. The
// handshake result arrives from another goroutine, so this polls briefly.
func runUntil(t *testing.T, s *Session, now time.Time, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", s.State(), want)
		}
		s.RunFrame(now)
		if s.State() != want {
			time.Sleep(time.Millisecond)
		}
	}
}

// connectingSession returns a session that has just sent its first connect
// request at t0.
func connectingSession(t *testing.T) (*Session, *fakeTransport, *recorder) {
	t.Helper()
	s, tr, rec := newTestSession(&fakeHandshaker{token: "abc"})
	if err := s.Connect("127.0.0.1", 30120); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	runUntil(t, s, t0, StateInitReceived)
	s.RunFrame(t0)
	if s.State() != StateDownloadComplete {
		t.Fatalf("state = %s, want download_complete", s.State())
	}
	s.RunFrame(t0)
	if s.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting", s.State())
	}
	return s, tr, rec
}

func connectedSession(t *testing.T) (*Session, *fakeTransport, *recorder) {
	t.Helper()
	s, tr, rec := connectingSession(t)
	tr.takeSent()
	tr.deliver(serverAddr, protocol.EncodeOOB("connectOK 4 0 0"))
	s.RunFrame(t0)
	if s.State() != StateConnected {
		t.Fatalf("state = %s, want connected", s.State())
	}
	return s, tr, rec
}

func frame(t *testing.T, seq uint32, msgs ...protocol.SubMessage) []byte {
	t.Helper()
	data, err := protocol.EncodeFrame(seq, msgs)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	return data
}

func decodeSent(t *testing.T, d sentDatagram) []protocol.SubMessage {
	t.Helper()
	_, r, err := protocol.DecodeFrame(d.data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	msgs, err := r.Collect()
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	return msgs
}

func TestHandshakeAndConnect(t *testing.T) {
	hs := &fakeHandshaker{token: "abc"}
	s, tr, rec := newTestSession(hs)
	if err := s.Connect("127.0.0.1", 30120); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != StateInitializing {
		t.Fatalf("state = %s", s.State())
	}
	if s.ServerAddr() != serverAddr {
		t.Fatalf("server addr = %s", s.ServerAddr())
	}

	runUntil(t, s, t0, StateInitReceived)
	if hs.params["method"] != "initConnect" || hs.params["name"] != "tester" || hs.params["guid"] != "123" {
		t.Fatalf("handshake params = %v", hs.params)
	}
	s.RunFrame(t0)
	s.RunFrame(t0)

	sent := tr.takeSent()
	if len(sent) != 1 {
		t.Fatalf("sent %d datagrams, want 1 connect", len(sent))
	}
	if sent[0].to != serverAddr {
		t.Fatalf("connect sent to %s", sent[0].to)
	}
	if want := protocol.EncodeOOB("connect token=abc&guid=123"); !bytes.Equal(sent[0].data, want) {
		t.Fatalf("connect = %q, want %q", sent[0].data, want)
	}

	tr.deliver(serverAddr, protocol.EncodeOOB("connectOK 4 1 1000"))
	s.RunFrame(t0.Add(time.Second))
	if s.State() != StateConnected {
		t.Fatalf("state = %s, want connected", s.State())
	}
	if s.LocalID() != 4 {
		t.Fatalf("local id = %d", s.LocalID())
	}
	if id, base, ok := s.Host(); !ok || id != 1 || base != 1000 {
		t.Fatalf("host = %d, %d, %v", id, base, ok)
	}

	want := []State{StateInitializing, StateInitReceived, StateDownloadComplete, StateConnecting, StateConnected}
	if len(rec.states) != len(want) {
		t.Fatalf("states = %v", rec.states)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Fatalf("states = %v, want %v", rec.states, want)
		}
	}
}

func TestConnectRetransmitsIdentically(t *testing.T) {
	s, tr, rec := connectingSession(t)
	first := tr.takeSent()
	if len(first) != 1 {
		t.Fatalf("sent %d datagrams", len(first))
	}

	s.RunFrame(t0.Add(4999 * time.Millisecond))
	if len(tr.sent) != 0 {
		t.Fatal("retransmitted before the retry interval")
	}

	s.RunFrame(t0.Add(5000 * time.Millisecond))
	second := tr.takeSent()
	if len(second) != 1 || !bytes.Equal(second[0].data, first[0].data) {
		t.Fatalf("retransmission differs: %v vs %q", second, first[0].data)
	}

	s.RunFrame(t0.Add(10 * time.Second))
	if len(tr.takeSent()) != 1 {
		t.Fatal("expected third attempt")
	}
	s.RunFrame(t0.Add(15 * time.Second))
	if s.State() != StateIdle {
		t.Fatalf("state = %s, want idle after attempts exhausted", s.State())
	}
	if len(tr.sent) != 0 {
		t.Fatal("sent a fourth attempt")
	}
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], ErrConnectTimedOut) {
		t.Fatalf("errors = %v", rec.errs)
	}
}

func TestConnectRequiresIdle(t *testing.T) {
	s, tr, _ := connectedSession(t)
	if err := s.Connect("127.0.0.1", 30121); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("Connect while connected = %v", err)
	}
	if s.State() != StateConnected || len(tr.takeSent()) != 0 {
		t.Fatalf("session disturbed: state %s", s.State())
	}

	s.Disconnect("Switching.")
	tr.takeSent()
	if err := s.Connect("127.0.0.1", 30121); err != nil {
		t.Fatalf("Connect after Disconnect: %v", err)
	}
	if s.State() != StateInitializing {
		t.Fatalf("state = %s", s.State())
	}
}

func TestHandshakeFailureReturnsToIdle(t *testing.T) {
	s, _, rec := newTestSession(&fakeHandshaker{err: &HandshakeError{Reason: "Server is locked."}})
	if err := s.Connect("127.0.0.1", 30120); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	runUntil(t, s, t0, StateIdle)

	if len(rec.errs) != 1 {
		t.Fatalf("errors = %v", rec.errs)
	}
	var herr *HandshakeError
	if !errors.As(rec.errs[0], &herr) || herr.Reason != "Server is locked." {
		t.Fatalf("error = %v", rec.errs[0])
	}
}

func TestPlainHandshakeErrorIsWrapped(t *testing.T) {
	s, _, rec := newTestSession(&fakeHandshaker{err: context.DeadlineExceeded})
	s.Connect("127.0.0.1", 30120)
	runUntil(t, s, t0, StateIdle)

	var herr *HandshakeError
	if len(rec.errs) != 1 || !errors.As(rec.errs[0], &herr) || !errors.Is(rec.errs[0], context.DeadlineExceeded) {
		t.Fatalf("errors = %v", rec.errs)
	}
}

func TestServerErrorWhileConnecting(t *testing.T) {
	s, tr, rec := connectingSession(t)
	tr.deliver(serverAddr, protocol.EncodeOOB("error Server full."))
	s.RunFrame(t0.Add(time.Second))

	if s.State() != StateIdle {
		t.Fatalf("state = %s", s.State())
	}
	var rej *RejectedError
	if len(rec.errs) != 1 || !errors.As(rec.errs[0], &rej) || rej.Reason != "Server full." {
		t.Fatalf("errors = %v", rec.errs)
	}
}

func TestMalformedConnectOKIsDiscarded(t *testing.T) {
	s, tr, _ := connectingSession(t)
	tr.deliver(serverAddr, protocol.EncodeOOB("connectOK 4 1"))
	tr.deliver(otherAddr, protocol.EncodeOOB("connectOK 4 1 1"))
	s.RunFrame(t0.Add(time.Second))

	if s.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting", s.State())
	}
}

func TestFramesFromOtherAddressesAreDropped(t *testing.T) {
	s, tr, _ := connectedSession(t)
	tr.deliver(otherAddr, frame(t, 1, protocol.Route{Peer: 2, Payload: []byte("spoof")}))
	tr.deliver(serverAddr, frame(t, 1, protocol.Route{Peer: 2, Payload: []byte("real")}))
	s.RunFrame(t0.Add(10 * time.Millisecond))

	p, ok := s.DequeueRoutedPacket()
	if !ok || string(p.Payload) != "real" || p.Peer != 2 {
		t.Fatalf("dequeued %+v, %v", p, ok)
	}
	if _, ok := s.DequeueRoutedPacket(); ok {
		t.Fatal("spoofed payload was queued")
	}
	if s.Stats().Spoofed != 1 {
		t.Fatalf("spoofed = %d", s.Stats().Spoofed)
	}
}

func TestStaleFramesAreDropped(t *testing.T) {
	s, tr, _ := connectedSession(t)
	tr.deliver(serverAddr, frame(t, 5, protocol.Route{Peer: 1, Payload: []byte("a")}))
	tr.deliver(serverAddr, frame(t, 5, protocol.Route{Peer: 1, Payload: []byte("dup")}))
	tr.deliver(serverAddr, frame(t, 4, protocol.Route{Peer: 1, Payload: []byte("old")}))
	tr.deliver(serverAddr, frame(t, 6, protocol.Route{Peer: 1, Payload: []byte("b")}))
	s.RunFrame(t0)

	var got []string
	for {
		p, ok := s.DequeueRoutedPacket()
		if !ok {
			break
		}
		got = append(got, string(p.Payload))
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("payloads = %v", got)
	}
	if s.Stats().Stale != 2 {
		t.Fatalf("stale = %d", s.Stats().Stale)
	}
}

func TestTruncatedFrameKeepsPrefix(t *testing.T) {
	s, tr, _ := connectedSession(t)
	data := frame(t, 1,
		protocol.Route{Peer: 1, Payload: []byte("kept")},
		protocol.Route{Peer: 1, Payload: []byte("lost")},
	)
	tr.deliver(serverAddr, data[:len(data)-10])
	s.RunFrame(t0)

	p, ok := s.DequeueRoutedPacket()
	if !ok || string(p.Payload) != "kept" {
		t.Fatalf("dequeued %+v, %v", p, ok)
	}
	if _, ok := s.DequeueRoutedPacket(); ok {
		t.Fatal("truncated route was delivered")
	}
	if s.Stats().Malformed != 1 {
		t.Fatalf("malformed = %d", s.Stats().Malformed)
	}
}

func TestHelloDoesNotFlap(t *testing.T) {
	s, tr, _ := connectedSession(t)
	if _, _, ok := s.Host(); ok {
		t.Fatal("connectOK with host 0 must leave host unset")
	}

	steps := []struct {
		hello  protocol.Hello
		wantID uint16
		wantOK bool
	}{
		{protocol.Hello{ID: 2, Base: 10}, 2, true},
		{protocol.Hello{ID: 3, Base: 20}, 2, true},
		{protocol.Hello{ID: 2, Base: 11}, 2, true},
		{protocol.Hello{ID: protocol.NoPeer}, 0, false},
		{protocol.Hello{ID: 3, Base: 30}, 3, true},
	}
	for i, st := range steps {
		tr.deliver(serverAddr, frame(t, uint32(i+1), st.hello))
		s.RunFrame(t0)
		id, _, ok := s.Host()
		if id != st.wantID || ok != st.wantOK {
			t.Fatalf("step %d: host = %d, %v, want %d, %v", i, id, ok, st.wantID, st.wantOK)
		}
	}
	if _, base, _ := s.Host(); base != 30 {
		t.Fatalf("host base = %d", base)
	}
}

func TestSendThrottleAndAuthority(t *testing.T) {
	s, tr, _ := connectedSession(t)

	s.RunFrame(t0)
	if len(tr.takeSent()) != 0 {
		t.Fatal("sent a frame with nothing to say")
	}

	s.EnqueueRoutedPacket(7, []byte("one"))
	s.RunFrame(t0)
	sent := tr.takeSent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames", len(sent))
	}
	msgs := decodeSent(t, sent[0])
	if len(msgs) != 1 {
		t.Fatalf("frame = %#v", msgs)
	}
	if r, ok := msgs[0].(protocol.Route); !ok || r.Peer != 7 || string(r.Payload) != "one" {
		t.Fatalf("frame = %#v", msgs)
	}

	s.EnqueueRoutedPacket(7, []byte("two"))
	s.RunFrame(t0.Add(24 * time.Millisecond))
	if len(tr.sent) != 0 {
		t.Fatal("throttle did not hold the frame")
	}
	if s.PendingOutbound() != 1 {
		t.Fatalf("pending = %d", s.PendingOutbound())
	}
	s.RunFrame(t0.Add(25 * time.Millisecond))
	if len(tr.takeSent()) != 1 {
		t.Fatal("frame not sent once throttle elapsed")
	}

	s.SetAuthority(77)
	s.RunFrame(t0.Add(50 * time.Millisecond))
	sent = tr.takeSent()
	if len(sent) != 1 {
		t.Fatal("authority must send every interval")
	}
	hellos := 0
	for _, m := range decodeSent(t, sent[0]) {
		if h, ok := m.(protocol.Hello); ok {
			hellos++
			if h.ID != 4 || h.Base != 77 {
				t.Fatalf("hello = %+v", h)
			}
		}
	}
	if hellos != 1 {
		t.Fatalf("frame carried %d hellos", hellos)
	}
}

func TestInactivityTimeout(t *testing.T) {
	s, _, rec := connectedSession(t)
	s.RunFrame(t0.Add(15 * time.Second))
	if s.State() != StateConnected {
		t.Fatal("timed out too early")
	}
	s.RunFrame(t0.Add(15*time.Second + time.Millisecond))
	if s.State() != StateIdle {
		t.Fatalf("state = %s", s.State())
	}
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], ErrServerTimedOut) {
		t.Fatalf("errors = %v", rec.errs)
	}
}

func TestInboundReliableDedupAndAck(t *testing.T) {
	s, tr, _ := connectedSession(t)
	var removed []protocol.EntityHandle
	s.AddReliableHandler("msgCloneRemove", func(data []byte) {
		h, err := protocol.DecodeCloneRemove(data)
		if err != nil {
			t.Errorf("DecodeCloneRemove: %v", err)
		}
		removed = append(removed, h)
	})

	cmd := protocol.Reliable{Type: protocol.CmdCloneRemove, ID: 1, Data: protocol.EncodeCloneRemove(protocol.EntityHandle{Owner: 3, ID: 7})}
	tr.deliver(serverAddr, frame(t, 1, cmd))
	tr.deliver(serverAddr, frame(t, 2, cmd))
	s.RunFrame(t0)

	if len(removed) != 1 || removed[0] != (protocol.EntityHandle{Owner: 3, ID: 7}) {
		t.Fatalf("handler saw %v", removed)
	}

	sent := tr.takeSent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want an ack", len(sent))
	}
	msgs := decodeSent(t, sent[0])
	if len(msgs) != 1 || msgs[0] != (protocol.ReliableAck{ID: 1}) {
		t.Fatalf("frame = %#v", msgs)
	}
}

func TestOutboundReliableUntilAcked(t *testing.T) {
	s, tr, _ := connectedSession(t)
	if err := s.SendReliable("msgChat", []byte("hi")); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}

	for i, at := range []time.Duration{0, 25 * time.Millisecond} {
		s.RunFrame(t0.Add(at))
		sent := tr.takeSent()
		if len(sent) != 1 {
			t.Fatalf("round %d: sent %d frames", i, len(sent))
		}
		msgs := decodeSent(t, sent[0])
		rel, ok := msgs[0].(protocol.Reliable)
		if !ok || rel.ID != 1 || rel.Type != protocol.HashString("msgChat") || string(rel.Data) != "hi" {
			t.Fatalf("round %d: frame = %#v", i, msgs)
		}
	}

	tr.deliver(serverAddr, frame(t, 1, protocol.ReliableAck{ID: 1}))
	s.RunFrame(t0.Add(50 * time.Millisecond))
	if len(tr.takeSent()) != 0 {
		t.Fatal("acked command was resent")
	}
}

func TestReliableOverflow(t *testing.T) {
	s, _, _ := connectedSession(t)
	for i := 0; i < MaxReliableCommands; i++ {
		if err := s.SendReliable("msgChat", nil); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
	}
	if err := s.SendReliable("msgChat", nil); !errors.Is(err, ErrReliableOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if err := s.SendReliable("msgRoute", nil); err == nil {
		t.Fatal("expected error for reserved type")
	}
}

func TestCloneBatchAndAcks(t *testing.T) {
	s, tr, rec := connectedSession(t)
	items := []protocol.BatchItem{
		{Op: protocol.OpCreate, Handle: protocol.EntityHandle{Owner: 4, ID: 1}, ObjectType: 2, Payload: []byte("car")},
	}
	if err := s.QueueCloneBatch(items); err != nil {
		t.Fatalf("QueueCloneBatch: %v", err)
	}
	s.RunFrame(t0)
	sent := tr.takeSent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames", len(sent))
	}
	batch, ok := decodeSent(t, sent[0])[0].(protocol.CloneBatch)
	if !ok {
		t.Fatal("frame has no clone batch")
	}
	raw, err := compress.Decompress(batch.Data, protocol.MaxDecompressedBatch)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	want, _ := protocol.EncodeBatch(items)
	if !bytes.Equal(raw, want) {
		t.Fatal("batch bytes differ")
	}

	acks := []protocol.Ack{{Op: protocol.OpCreate, Handle: protocol.EntityHandle{Owner: 4, ID: 1}}}
	tr.deliver(serverAddr, frame(t, 1, protocol.CloneAcks{Acks: acks}))
	s.RunFrame(t0.Add(time.Millisecond))
	if len(rec.acks) != 1 || len(rec.acks[0]) != 1 || rec.acks[0][0] != acks[0] {
		t.Fatalf("observer acks = %v", rec.acks)
	}
}

func TestDisconnectSendsQuitTwice(t *testing.T) {
	s, tr, _ := connectedSession(t)
	s.Disconnect("Bye!")

	if s.State() != StateIdle {
		t.Fatalf("state = %s", s.State())
	}
	sent := tr.takeSent()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	for i, d := range sent {
		msgs := decodeSent(t, d)
		rel, ok := msgs[0].(protocol.Reliable)
		if !ok || rel.Type != protocol.CmdQuit || string(rel.Data) != "Bye!\x00" {
			t.Fatalf("frame %d = %#v", i, msgs)
		}
	}
}

func TestEnqueueRejectsOversizedPayload(t *testing.T) {
	s, _, _ := newTestSession(&fakeHandshaker{})
	if err := s.EnqueueRoutedPacket(1, make([]byte, protocol.MaxFramedRoute+1)); err == nil {
		t.Fatal("expected error")
	}
	if s.PendingOutbound() != 0 {
		t.Fatal("oversized payload was queued")
	}
}

func TestLargestPayloadFitsOneDatagram(t *testing.T) {
	s, tr, _ := connectedSession(t)
	if err := s.EnqueueRoutedPacket(2, make([]byte, protocol.MaxFramedRoute)); err != nil {
		t.Fatalf("EnqueueRoutedPacket: %v", err)
	}
	s.RunFrame(t0)
	sent := tr.takeSent()
	if len(sent) != 1 || len(sent[0].data) != protocol.MaxDatagramSize {
		t.Fatalf("sent %d frames", len(sent))
	}
	if s.PendingOutbound() != 0 {
		t.Fatalf("pending = %d", s.PendingOutbound())
	}
}

func TestRoutesBeyondOneDatagramWaitForNextFrame(t *testing.T) {
	s, tr, _ := connectedSession(t)
	for i := 0; i < 3; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i)}, 30000)
		if err := s.EnqueueRoutedPacket(2, payload); err != nil {
			t.Fatalf("EnqueueRoutedPacket %d: %v", i, err)
		}
	}

	var got []byte
	for i, at := range []time.Duration{0, 25 * time.Millisecond} {
		s.RunFrame(t0.Add(at))
		sent := tr.takeSent()
		if len(sent) != 1 {
			t.Fatalf("round %d: sent %d frames", i, len(sent))
		}
		if len(sent[0].data) > protocol.MaxDatagramSize {
			t.Fatalf("round %d: frame of %d bytes", i, len(sent[0].data))
		}
		for _, m := range decodeSent(t, sent[0]) {
			r, ok := m.(protocol.Route)
			if !ok || len(r.Payload) != 30000 {
				t.Fatalf("round %d: frame = %#v", i, m)
			}
			got = append(got, r.Payload[0])
		}
		if i == 0 && s.PendingOutbound() != 1 {
			t.Fatalf("pending after first frame = %d", s.PendingOutbound())
		}
	}
	if string(got) != "abc" {
		t.Fatalf("routes arrived as %q", got)
	}
	if s.PendingOutbound() != 0 {
		t.Fatalf("pending = %d", s.PendingOutbound())
	}
}

func TestServerQuitClosesSession(t *testing.T) {
	s, tr, rec := connectedSession(t)
	tr.deliver(serverAddr, frame(t, 1, protocol.Reliable{Type: protocol.CmdQuit, ID: 1, Data: []byte("Kicked.\x00")}))
	s.RunFrame(t0)

	if s.State() != StateIdle {
		t.Fatalf("state = %s", s.State())
	}
	var closed *ClosedError
	if len(rec.errs) != 1 || !errors.As(rec.errs[0], &closed) || closed.Reason != "Kicked." {
		t.Fatalf("errors = %v", rec.errs)
	}
}

func TestIdleSessionSendsKeepalive(t *testing.T) {
	s, tr, _ := connectedSession(t)

	s.RunFrame(t0.Add(4 * time.Second))
	if len(tr.takeSent()) != 0 {
		t.Fatal("keepalive sent too early")
	}
	s.RunFrame(t0.Add(5 * time.Second))
	sent := tr.takeSent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want one keepalive", len(sent))
	}
	if msgs := decodeSent(t, sent[0]); len(msgs) != 0 {
		t.Fatalf("keepalive carried %#v", msgs)
	}
}

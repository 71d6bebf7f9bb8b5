package peers

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/replicator/internal/protocol"
)

type fakeTokens struct {
	valid map[string]string
}

func (f *fakeTokens) ConsumeToken(token, guid string) (string, bool, error) {
	name, ok := f.valid[token]
	if ok {
		delete(f.valid, token)
	}
	return name, ok, nil
}

func request(port uint16) Request {
	return Request{
		From: netip.AddrPortFrom(netip.MustParseAddr("192.0.2.10"), port),
		Now:  time.Unix(500, 0),
	}
}

func decodeReply(t *testing.T, reply []byte) string {
	t.Helper()
	text, ok := protocol.DecodeOOB(reply)
	if !ok {
		t.Fatalf("reply is not out-of-band: %q", reply)
	}
	return text
}

func TestGetInfoEchoesChallenge(t *testing.T) {
	h := NewOOBHandler()
	h.Register(protocol.OOBGetInfo, InfoHandler(func() protocol.ServerInfo {
		return protocol.ServerInfo{MaxClients: 32, Clients: 1, GameName: "replicator", Protocol: 2, Hostname: "box"}
	}))

	reply := h.Handle(request(1), protocol.EncodeOOB("getinfo xyz"))
	info, err := protocol.ParseServerInfo(decodeReply(t, reply))
	if err != nil {
		t.Fatalf("ParseServerInfo: %v", err)
	}
	if info.Challenge != "xyz" {
		t.Fatalf("challenge = %q, want xyz", info.Challenge)
	}
	if info.MaxClients != 32 || info.Clients != 1 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestGetInfoChallengeIsFirstToken(t *testing.T) {
	h := NewOOBHandler()
	h.Register(protocol.OOBGetInfo, InfoHandler(func() protocol.ServerInfo { return protocol.ServerInfo{} }))

	reply := h.Handle(request(1), append(protocol.EncodeOOB("getinfo abc def"), 0))
	info, _ := protocol.ParseServerInfo(decodeReply(t, reply))
	if info.Challenge != "abc" {
		t.Fatalf("challenge = %q, want abc", info.Challenge)
	}
}

func TestGetInfoIgnoresBackslashChallenge(t *testing.T) {
	h := NewOOBHandler()
	h.Register(protocol.OOBGetInfo, InfoHandler(func() protocol.ServerInfo { return protocol.ServerInfo{} }))

	if reply := h.Handle(request(1), protocol.EncodeOOB(`getinfo ab\hostname\evil`)); reply != nil {
		t.Fatalf("reply = %q", reply)
	}
}

func TestUnknownCommandHasNoReply(t *testing.T) {
	h := NewOOBHandler()
	if reply := h.Handle(request(1), protocol.EncodeOOB("rcon status")); reply != nil {
		t.Fatalf("unexpected reply %q", reply)
	}
	if reply := h.Handle(request(1), []byte{1, 2, 3, 4}); reply != nil {
		t.Fatal("session datagram answered as out-of-band")
	}
}

func TestConnectHandler(t *testing.T) {
	reg := NewRegistry(2)
	tokens := &fakeTokens{valid: map[string]string{"abc": "alice", "def": "bob", "ghi": "carol"}}
	var joined []Peer
	var retired []Peer

	h := NewOOBHandler()
	h.Register(protocol.OOBConnect, ConnectHandler(ConnectConfig{
		Registry: reg,
		Tokens:   tokens,
		OnJoin:   func(p Peer) { joined = append(joined, p) },
		OnRetire: func(p Peer, wasHost bool) { retired = append(retired, p) },
	}))

	text := decodeReply(t, h.Handle(request(1), protocol.EncodeOOB("connect token=abc&guid=123")))
	ok, err := protocol.ParseConnectOK(text)
	if err != nil {
		t.Fatalf("reply %q: %v", text, err)
	}
	if ok.ClientID != 1 || ok.HostID != 0 {
		t.Fatalf("connectOK = %+v", ok)
	}
	if len(joined) != 1 || joined[0].Name != "alice" || joined[0].GUID != "123" {
		t.Fatalf("joined = %+v", joined)
	}

	// A retransmitted request gets the same answer.
	text = decodeReply(t, h.Handle(request(1), protocol.EncodeOOB("connect token=abc&guid=123")))
	if again, err := protocol.ParseConnectOK(text); err != nil || again.ClientID != 1 {
		t.Fatalf("retransmit reply = %q", text)
	}
	if len(joined) != 1 {
		t.Fatalf("retransmit registered again: %+v", joined)
	}

	// Token is single use.
	text = decodeReply(t, h.Handle(request(2), protocol.EncodeOOB("connect token=abc&guid=123")))
	if !strings.HasPrefix(text, "error ") {
		t.Fatalf("reused token accepted: %q", text)
	}

	reg.ClaimHost(1, 77)
	text = decodeReply(t, h.Handle(request(2), protocol.EncodeOOB("connect token=def&guid=456")))
	ok, err = protocol.ParseConnectOK(text)
	if err != nil {
		t.Fatalf("reply %q: %v", text, err)
	}
	if ok.ClientID != 2 || ok.HostID != 1 || ok.HostBase != 77 {
		t.Fatalf("connectOK = %+v", ok)
	}

	// Reconnect from the first address replaces peer 1.
	text = decodeReply(t, h.Handle(request(1), protocol.EncodeOOB("connect token=ghi&guid=123")))
	ok, err = protocol.ParseConnectOK(text)
	if err != nil {
		t.Fatalf("reply %q: %v", text, err)
	}
	if ok.ClientID != 3 || ok.HostID != 0 {
		t.Fatalf("connectOK after reconnect = %+v", ok)
	}
	if len(retired) != 1 || retired[0].ID != 1 {
		t.Fatalf("retired = %+v", retired)
	}
}

func TestConnectHandlerServerFull(t *testing.T) {
	reg := NewRegistry(1)
	h := NewOOBHandler()
	h.Register(protocol.OOBConnect, ConnectHandler(ConnectConfig{Registry: reg}))

	decodeReply(t, h.Handle(request(1), protocol.EncodeOOB("connect token=a&guid=1")))
	text := decodeReply(t, h.Handle(request(2), protocol.EncodeOOB("connect token=b&guid=2")))
	if text != "error Server full." {
		t.Fatalf("reply = %q", text)
	}
}

func TestServerFullKeepsToken(t *testing.T) {
	reg := NewRegistry(1)
	tokens := &fakeTokens{valid: map[string]string{"abc": "alice", "def": "bob"}}
	h := NewOOBHandler()
	h.Register(protocol.OOBConnect, ConnectHandler(ConnectConfig{Registry: reg, Tokens: tokens}))

	decodeReply(t, h.Handle(request(1), protocol.EncodeOOB("connect token=abc&guid=1")))
	if text := decodeReply(t, h.Handle(request(2), protocol.EncodeOOB("connect token=def&guid=2"))); text != "error Server full." {
		t.Fatalf("reply = %q", text)
	}
	if _, ok := tokens.valid["def"]; !ok {
		t.Fatal("refused connect consumed its token")
	}

	reg.Remove(1)
	text := decodeReply(t, h.Handle(request(2), protocol.EncodeOOB("connect token=def&guid=2")))
	if !strings.HasPrefix(text, "connectOK ") {
		t.Fatalf("retry after a slot freed = %q", text)
	}
	if peer, ok := reg.ByAddr(request(2).From); !ok || peer.Name != "bob" {
		t.Fatalf("peer = %+v", peer)
	}
}

func TestFullServerAdmitsReconnectFromSameAddress(t *testing.T) {
	reg := NewRegistry(1)
	h := NewOOBHandler()
	h.Register(protocol.OOBConnect, ConnectHandler(ConnectConfig{Registry: reg}))

	decodeReply(t, h.Handle(request(1), protocol.EncodeOOB("connect token=a&guid=1")))
	text := decodeReply(t, h.Handle(request(1), protocol.EncodeOOB("connect token=b&guid=1")))
	if !strings.HasPrefix(text, "connectOK ") {
		t.Fatalf("reply = %q", text)
	}
	if reg.Count() != 1 {
		t.Fatalf("count = %d", reg.Count())
	}
}

func TestConnectHandlerMalformed(t *testing.T) {
	h := NewOOBHandler()
	h.Register(protocol.OOBConnect, ConnectHandler(ConnectConfig{Registry: NewRegistry(0)}))
	text := decodeReply(t, h.Handle(request(1), protocol.EncodeOOB("connect guid=1")))
	if !strings.HasPrefix(text, "error ") {
		t.Fatalf("reply = %q", text)
	}
}

package protocol

import (
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Out-of-band command and reply names.
const (
	OOBGetInfo      = "getinfo"
	OOBInfoResponse = "infoResponse"
	OOBConnect      = "connect"
	OOBConnectOK    = "connectOK"
	OOBError        = "error"
)

// IsOOB reports whether data starts with the out-of-band sentinel.
func IsOOB(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data) == OOBSentinel
}

// EncodeOOB prefixes text with the out-of-band sentinel.
func EncodeOOB(text string) []byte {
	return NewPacketBuilder().
		WriteUint32(OOBSentinel).
		WriteString(text).
		Build()
}

// DecodeOOB returns the command text of an out-of-band datagram, without
// trailing NULs.
func DecodeOOB(data []byte) (string, bool) {
	if !IsOOB(data) {
		return "", false
	}
	return strings.TrimRight(string(data[4:]), "\x00"), true
}

// SplitCommand separates the leading command word from its arguments.
func SplitCommand(text string) (cmd, args string) {
	text = strings.TrimLeft(text, " ")
	if i := strings.IndexByte(text, ' '); i >= 0 {
		return text[:i], text[i+1:]
	}
	return text, ""
}

// ConnectOK is the server's acceptance of a connect request.
type ConnectOK struct {
	ClientID uint16
	HostID   uint16
	HostBase uint32
}

func (c ConnectOK) String() string {
	return fmt.Sprintf("%s %d %d %d", OOBConnectOK, c.ClientID, c.HostID, c.HostBase)
}

// ParseConnectOK parses "connectOK <clientId> <hostId> <hostBase>". Both
// delimiters between the three fields must be present.
func ParseConnectOK(text string) (ConnectOK, error) {
	cmd, body := SplitCommand(strings.TrimSpace(text))
	if cmd != OOBConnectOK {
		return ConnectOK{}, &MalformedError{What: "connectOK", Reason: fmt.Sprintf("unexpected command %q", cmd)}
	}

	first := strings.IndexByte(body, ' ')
	if first < 0 {
		return ConnectOK{}, &MalformedError{What: "connectOK", Reason: "missing host id delimiter"}
	}
	second := strings.IndexByte(body[first+1:], ' ')
	if second < 0 {
		return ConnectOK{}, &MalformedError{What: "connectOK", Reason: "missing host base delimiter"}
	}
	second += first + 1

	clientID, err := strconv.ParseUint(body[:first], 10, 16)
	if err != nil {
		return ConnectOK{}, &MalformedError{What: "connectOK", Reason: fmt.Sprintf("client id: %v", err)}
	}
	hostID, err := strconv.ParseUint(body[first+1:second], 10, 16)
	if err != nil {
		return ConnectOK{}, &MalformedError{What: "connectOK", Reason: fmt.Sprintf("host id: %v", err)}
	}
	hostBase, err := strconv.ParseUint(body[second+1:], 10, 32)
	if err != nil {
		return ConnectOK{}, &MalformedError{What: "connectOK", Reason: fmt.Sprintf("host base: %v", err)}
	}

	return ConnectOK{
		ClientID: uint16(clientID),
		HostID:   uint16(hostID),
		HostBase: uint32(hostBase),
	}, nil
}

// ConnectRequest is the client's request to open a session.
type ConnectRequest struct {
	Token string
	GUID  string
}

// String renders the request exactly as it goes on the wire. The output is
// deterministic so retransmissions are byte-identical.
func (r ConnectRequest) String() string {
	return fmt.Sprintf("%s token=%s&guid=%s", OOBConnect, url.QueryEscape(r.Token), url.QueryEscape(r.GUID))
}

// ParseConnectRequest parses the arguments of a connect command.
func ParseConnectRequest(args string) (ConnectRequest, error) {
	values, err := url.ParseQuery(strings.TrimSpace(args))
	if err != nil {
		return ConnectRequest{}, &MalformedError{What: "connect", Reason: err.Error()}
	}
	req := ConnectRequest{Token: values.Get("token"), GUID: values.Get("guid")}
	if req.Token == "" {
		return ConnectRequest{}, &MalformedError{What: "connect", Reason: "missing token"}
	}
	return req, nil
}

// ServerInfo is the payload of an infoResponse reply.
type ServerInfo struct {
	MaxClients int
	Clients    int
	Challenge  string
	GameName   string
	Protocol   int
	Hostname   string
	GameType   string
	MapName    string
	IV         string
}

// infoValue strips the characters that would break the key/value framing.
func infoValue(s string) string {
	return strings.NewReplacer(`\`, "", "\n", "").Replace(s)
}

// String renders the full reply text, including the infoResponse header.
func (i ServerInfo) String() string {
	var sb strings.Builder
	sb.WriteString(OOBInfoResponse)
	sb.WriteByte('\n')
	pairs := []struct{ k, v string }{
		{"sv_maxclients", strconv.Itoa(i.MaxClients)},
		{"clients", strconv.Itoa(i.Clients)},
		{"challenge", i.Challenge},
		{"gamename", i.GameName},
		{"protocol", strconv.Itoa(i.Protocol)},
		{"hostname", i.Hostname},
		{"gametype", i.GameType},
		{"mapname", i.MapName},
		{"iv", i.IV},
	}
	for _, p := range pairs {
		sb.WriteByte('\\')
		sb.WriteString(p.k)
		sb.WriteByte('\\')
		sb.WriteString(infoValue(p.v))
	}
	return sb.String()
}

// ParseInfoString splits a backslash-separated key/value string.
func ParseInfoString(s string) map[string]string {
	out := make(map[string]string)
	parts := strings.Split(strings.TrimPrefix(s, `\`), `\`)
	for i := 0; i+1 < len(parts); i += 2 {
		out[parts[i]] = parts[i+1]
	}
	return out
}

// ParseServerInfo parses an infoResponse reply.
func ParseServerInfo(text string) (ServerInfo, error) {
	header, body, ok := strings.Cut(text, "\n")
	if !ok || header != OOBInfoResponse {
		return ServerInfo{}, &MalformedError{What: "infoResponse", Reason: "missing header"}
	}
	kv := ParseInfoString(body)
	maxClients, _ := strconv.Atoi(kv["sv_maxclients"])
	clients, _ := strconv.Atoi(kv["clients"])
	proto, _ := strconv.Atoi(kv["protocol"])
	return ServerInfo{
		MaxClients: maxClients,
		Clients:    clients,
		Challenge:  kv["challenge"],
		GameName:   kv["gamename"],
		Protocol:   proto,
		Hostname:   kv["hostname"],
		GameType:   kv["gametype"],
		MapName:    kv["mapname"],
		IV:         kv["iv"],
	}, nil
}

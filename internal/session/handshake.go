package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// SessionToken authorizes a connect request. It is opaque to the client.
type SessionToken string

// Handshaker obtains a session token from the server's handshake endpoint.
type Handshaker interface {
	Handshake(ctx context.Context, host string, port uint16, params map[string]string) (SessionToken, error)
}

// HandshakeError reports a failed token exchange. Reason is the server's
// message when it refused, otherwise empty.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	switch {
	case e.Reason != "":
		return "handshake refused: " + e.Reason
	case e.Err != nil:
		return "handshake failed: " + e.Err.Error()
	}
	return "handshake failed"
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// handshakeResponse is the body of a handshake reply. The server writes
// JSON, which yaml.v2 reads as a YAML flow mapping.
type handshakeResponse struct {
	Token string `yaml:"token"`
	Error string `yaml:"error"`
}

// HTTPHandshaker posts the handshake form to http://host:port/client.
type HTTPHandshaker struct {
	Client *http.Client
	Path   string
}

// NewHTTPHandshaker creates a handshaker with the given request timeout.
func NewHTTPHandshaker(timeout time.Duration) *HTTPHandshaker {
	return &HTTPHandshaker{
		Client: &http.Client{Timeout: timeout},
		Path:   "/client",
	}
}

// Handshake performs one token exchange.
func (h *HTTPHandshaker) Handshake(ctx context.Context, host string, port uint16, params map[string]string) (SessionToken, error) {
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	path := h.Path
	if path == "" {
		path = "/client"
	}
	endpoint := (&url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(host, strconv.Itoa(int(port))),
		Path:   path,
	}).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &HandshakeError{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &HandshakeError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", &HandshakeError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var parsed handshakeResponse
	if err := yaml.Unmarshal(body, &parsed); err != nil {
		return "", &HandshakeError{Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if parsed.Error != "" {
		return "", &HandshakeError{Reason: parsed.Error}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &HandshakeError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if parsed.Token == "" {
		return "", &HandshakeError{Err: errors.New("response carried no token")}
	}
	return SessionToken(parsed.Token), nil
}

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/replicator/internal/config"
	"github.com/energizer-project/replicator/internal/protocol"
)

const (
	listingRetryInterval = 15 * time.Second
	listingUserAgent     = "Replicator/%s"
)

// InfoSource is the relay state a listing announcement describes.
type InfoSource interface {
	Info() protocol.ServerInfo
	EndpointAddrs() []netip.AddrPort
}

// Announcement is the JSON body posted to the server list.
type Announcement struct {
	Online     bool     `json:"online"`
	Hostname   string   `json:"hostname"`
	GameName   string   `json:"game_name"`
	GameType   string   `json:"game_type,omitempty"`
	MapName    string   `json:"map_name,omitempty"`
	Protocol   int      `json:"protocol"`
	Clients    int      `json:"clients"`
	MaxClients int      `json:"max_clients"`
	PublicAddr string   `json:"public_addr,omitempty"`
	Endpoints  []string `json:"endpoints"`
	Version    string   `json:"version"`
}

// ListingAnnouncer keeps the relay on a public server list by posting an
// announcement every interval. The list answers with the id it files the
// relay under.
type ListingAnnouncer struct {
	mu sync.RWMutex

	url        string
	publicAddr string
	version    string
	interval   time.Duration
	relay      InfoSource
	client     *http.Client

	listingID    string
	lastAnnounce time.Time
}

// NewListingAnnouncer returns nil when listing is disabled.
func NewListingAnnouncer(cfg *config.Config, relay InfoSource, version string) *ListingAnnouncer {
	app := cfg.GetApplicationData()
	if !app.Listing.Enabled {
		return nil
	}
	interval := time.Duration(app.Timers.ListingInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &ListingAnnouncer{
		url:        app.Listing.URL,
		publicAddr: app.Listing.PublicAddr,
		version:    version,
		interval:   interval,
		relay:      relay,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    2,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// Run announces until ctx is cancelled, then tells the list the relay went
// offline.
func (l *ListingAnnouncer) Run(ctx context.Context) {
	log.Info().Str("url", l.url).Dur("interval", l.interval).Msg("announcing to server list")

	for {
		wait := l.interval
		if err := l.Announce(ctx, true); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("server list announcement failed")
			if listingRetryInterval < wait {
				wait = listingRetryInterval
			}
		}

		select {
		case <-ctx.Done():
			l.goOffline()
			return
		case <-time.After(wait):
		}
	}
}

func (l *ListingAnnouncer) goOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Announce(ctx, false); err != nil {
		log.Debug().Err(err).Msg("server list offline announcement failed")
	}
}

// Announce posts one announcement.
func (l *ListingAnnouncer) Announce(ctx context.Context, online bool) error {
	body, err := json.Marshal(l.build(online))
	if err != nil {
		return fmt.Errorf("failed to marshal announcement: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create announcement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf(listingUserAgent, l.version))

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("announcement request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("failed to read announcement response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server list returned status %d: %s", resp.StatusCode, string(data))
	}

	var reply struct {
		ID string `json:"id"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &reply); err != nil {
			log.Debug().Err(err).Msg("server list reply is not JSON")
		}
	}

	l.mu.Lock()
	if reply.ID != "" && reply.ID != l.listingID {
		log.Info().Str("listing_id", reply.ID).Msg("registered with server list")
		l.listingID = reply.ID
	}
	l.lastAnnounce = time.Now()
	l.mu.Unlock()
	return nil
}

// ListingID returns the id the list assigned, if any.
func (l *ListingAnnouncer) ListingID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.listingID
}

// LastAnnounce returns when the list last accepted an announcement.
func (l *ListingAnnouncer) LastAnnounce() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastAnnounce
}

func (l *ListingAnnouncer) build(online bool) Announcement {
	info := l.relay.Info()
	a := Announcement{
		Online:     online,
		Hostname:   info.Hostname,
		GameName:   info.GameName,
		GameType:   info.GameType,
		MapName:    info.MapName,
		Protocol:   info.Protocol,
		Clients:    info.Clients,
		MaxClients: info.MaxClients,
		PublicAddr: l.publicAddr,
		Version:    l.version,
	}
	for _, ap := range l.relay.EndpointAddrs() {
		a.Endpoints = append(a.Endpoints, ap.String())
	}
	return a
}

// Package config handles configuration loading, validation, and persistence
// for the replicator server and client.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultGamePort   = 30120
	DefaultAPIPort    = 30120
)

// Config is the root configuration structure.
type Config struct {
	mu      sync.RWMutex
	path    string
	created bool

	Server          ServerConfig    `json:"server"`
	Client          ClientConfig    `json:"client"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerConfig holds the relay and replication settings.
type ServerConfig struct {
	// Identity reported by getinfo
	Hostname        string `json:"hostname"`
	GameName        string `json:"game_name"`
	GameType        string `json:"game_type"`
	MapName         string `json:"map_name"`
	ProtocolVersion int    `json:"protocol_version"`

	// UDP endpoints, each "host:port"
	Endpoints []string `json:"endpoints"`

	MaxClients     int `json:"max_clients"`
	TickRateMS     int `json:"tick_rate_ms"`
	PeerTimeoutSec int `json:"peer_timeout_sec"`
	TokenTTLSec    int `json:"token_ttl_sec"`

	// Entity authorization: "owner" or "any"
	RemovePolicy string `json:"remove_policy"`
	UpdatePolicy string `json:"update_policy"`

	// When false, connect accepts any token (development only)
	RequireToken bool `json:"require_token"`
}

// TickInterval returns the simulation step.
func (s ServerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickRateMS) * time.Millisecond
}

// PeerTimeout returns how long a silent peer is kept.
func (s ServerConfig) PeerTimeout() time.Duration {
	return time.Duration(s.PeerTimeoutSec) * time.Second
}

// TokenTTL returns how long an issued session token stays valid.
func (s ServerConfig) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLSec) * time.Second
}

// ClientConfig holds the headless client settings.
type ClientConfig struct {
	ServerHost string `json:"server_host"`
	ServerPort int    `json:"server_port"`
	Name       string `json:"name"`
	GUID       string `json:"guid"`

	ConnectRetrySec      int `json:"connect_retry_sec"`
	MaxConnectAttempts   int `json:"max_connect_attempts"`
	SendIntervalMS       int `json:"send_interval_ms"`
	InactivityTimeoutSec int `json:"inactivity_timeout_sec"`
	HandshakeTimeoutSec  int `json:"handshake_timeout_sec"`
	FrameIntervalMS      int `json:"frame_interval_ms"`
}

// ApplicationData contains ambient service configuration.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
	Database DatabaseConfig `json:"database"`
	API      APIConfig      `json:"api"`

	Notifications NotificationConfig `json:"notifications"`
	Listing       ListingConfig      `json:"listing"`
}

// TimerConfig holds periodic task intervals.
type TimerConfig struct {
	TokenPurgeInterval   int `json:"token_purge_interval_sec"`
	HeartbeatInterval    int `json:"heartbeat_interval_sec"`
	StatsPollingInterval int `json:"stats_polling_interval_sec"`
	HealthCheckInterval  int `json:"health_check_interval_sec"`
	ListingInterval      int `json:"listing_interval_sec"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	MonitorToken   string   `json:"monitor_token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DatabaseConfig holds the sqlite location.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// APIConfig holds the HTTP listener settings. The handshake endpoint lives
// on this listener.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Bind    string `json:"bind"`
	Port    int    `json:"port"`
}

// NotificationConfig routes operator alerts to a chat webhook.
type NotificationConfig struct {
	WebhookURL   string `json:"webhook_url"`
	NotifyOnDisk bool   `json:"notify_on_disk"`
	NotifyOnLag  bool   `json:"notify_on_lag"`
	NotifyOnKick bool   `json:"notify_on_kick"`
}

// ListingConfig controls announcements to a public server list.
type ListingConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	// PublicAddr is the address listed for clients. Empty lets the list
	// use the address the announcement came from.
	PublicAddr string `json:"public_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:        "replicator",
			GameName:        "replicator",
			ProtocolVersion: 2,
			Endpoints:       []string{fmt.Sprintf("0.0.0.0:%d", DefaultGamePort)},
			MaxClients:      32,
			TickRateMS:      50,
			PeerTimeoutSec:  30,
			TokenTTLSec:     120,
			RemovePolicy:    "owner",
			UpdatePolicy:    "any",
			RequireToken:    true,
		},
		Client: ClientConfig{
			ServerHost:           "127.0.0.1",
			ServerPort:           DefaultGamePort,
			Name:                 "player",
			ConnectRetrySec:      5,
			MaxConnectAttempts:   3,
			SendIntervalMS:       25,
			InactivityTimeoutSec: 15,
			HandshakeTimeoutSec:  10,
			FrameIntervalMS:      16,
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				TokenPurgeInterval:   60,
				HeartbeatInterval:    60,
				StatsPollingInterval: 10,
				HealthCheckInterval:  30,
				ListingInterval:      60,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "replicator",
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
			Database: DatabaseConfig{
				Path: "data/replicator.db",
			},
			API: APIConfig{
				Enabled: true,
				Bind:    "0.0.0.0",
				Port:    DefaultAPIPort,
			},
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults when
// missing.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			cfg.created = true
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.Server
	s.Endpoints = append([]string(nil), c.Server.Endpoints...)
	return s
}

// SetServer replaces the server configuration.
func (c *Config) SetServer(s ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = s
}

// GetClient returns a copy of the client configuration.
func (c *Config) GetClient() ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Client
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateServerField sets one server field by its JSON key.
func (c *Config) UpdateServerField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Server)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown server field %s", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	var next ServerConfig
	if err := json.Unmarshal(updated, &next); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Server = next
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun reports whether Load had to create the file.
func (c *Config) IsFirstRun() bool {
	return c.created
}

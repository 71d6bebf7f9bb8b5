package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the whole configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateServer(&cfg.Server, result)
	validateClient(&cfg.Client, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if len(s.Endpoints) == 0 {
		result.AddError("server.endpoints", "at least one UDP endpoint is required")
	}
	seen := make(map[string]bool)
	for i, ep := range s.Endpoints {
		field := fmt.Sprintf("server.endpoints[%d]", i)
		host, portStr, err := net.SplitHostPort(ep)
		if err != nil {
			result.AddError(field, fmt.Sprintf("invalid endpoint %q: %v", ep, err))
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			result.AddError(field, fmt.Sprintf("invalid port in %q", ep))
			continue
		}
		validatePort(port, field, result)
		if host != "" && net.ParseIP(host) == nil {
			result.AddWarning(field, fmt.Sprintf("endpoint host %q is not an IP literal and will be resolved at startup", host))
		}
		if seen[ep] {
			result.AddError(field, fmt.Sprintf("duplicate endpoint %s", ep))
		}
		seen[ep] = true
	}

	if s.MaxClients < 1 {
		result.AddError("server.max_clients", "must allow at least 1 client")
	}
	if s.MaxClients > 1024 {
		result.AddWarning("server.max_clients",
			fmt.Sprintf("high client count (%d) may exceed a single tick budget", s.MaxClients))
	}

	if s.TickRateMS < 1 {
		result.AddError("server.tick_rate_ms", "tick rate must be positive")
	} else if s.TickRateMS > 1000 {
		result.AddWarning("server.tick_rate_ms", "tick rate above one second will feel unresponsive")
	}

	if s.PeerTimeoutSec < 1 {
		result.AddError("server.peer_timeout_sec", "peer timeout must be positive")
	} else if s.PeerTimeoutSec < 15 {
		result.AddWarning("server.peer_timeout_sec", "peer timeout below the client's 15s inactivity timeout may drop healthy peers")
	}

	if s.TokenTTLSec < 1 {
		result.AddError("server.token_ttl_sec", "token lifetime must be positive")
	}

	validatePolicy(s.RemovePolicy, "server.remove_policy", result)
	validatePolicy(s.UpdatePolicy, "server.update_policy", result)

	if !s.RequireToken {
		result.AddWarning("server.require_token", "connect requests are accepted without a session token")
	}

	for field, v := range map[string]string{"server.hostname": s.Hostname, "server.game_name": s.GameName} {
		if strings.ContainsAny(v, "\\\n") {
			result.AddWarning(field, "backslashes and newlines are stripped from getinfo replies")
		}
	}
}

func validateClient(c *ClientConfig, result *ValidationResult) {
	if strings.TrimSpace(c.ServerHost) == "" {
		result.AddWarning("client.server_host", "no server host configured for the client")
	}
	if c.ServerPort != 0 {
		validatePort(c.ServerPort, "client.server_port", result)
	}
	if c.SendIntervalMS < 1 {
		result.AddError("client.send_interval_ms", "send interval must be positive")
	}
	if c.MaxConnectAttempts < 1 {
		result.AddError("client.max_connect_attempts", "at least one connect attempt is required")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
	}

	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application_data.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application_data.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}

	if strings.TrimSpace(data.Database.Path) == "" {
		result.AddError("application_data.database.path", "database path is required")
	}

	if u := strings.TrimSpace(data.Notifications.WebhookURL); u != "" && !isHTTPURL(u) {
		result.AddError("application_data.notifications.webhook_url", "webhook URL must be http or https")
	}

	if data.Listing.Enabled {
		if !isHTTPURL(data.Listing.URL) {
			result.AddError("application_data.listing.url", "listing URL must be http or https when enabled")
		}
		if data.Timers.ListingInterval < 10 {
			result.AddWarning("timers.listing_interval",
				"listing announcements more often than every 10s may be throttled by the list")
		}
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.TokenPurgeInterval < 1 {
		result.AddError("timers.token_purge_interval", "token purge interval must be positive")
	}
	if timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval",
			"heartbeat interval less than 10s may flood the log")
	}
}

func validatePolicy(p, field string, result *ValidationResult) {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "", "owner", "any":
	default:
		result.AddError(field, fmt.Sprintf("unknown policy %q (want owner or any)", p))
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

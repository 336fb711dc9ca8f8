// Package config handles configuration loading for relay-gateway.
//
// # Configuration File
//
// Default location (in order):
//
//  1. Path from the RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/relay/gateway.yaml
//  3. ~/.config/relay/gateway.yaml
//
// Files ending in .toml are decoded as TOML; everything else as YAML. Both
// formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  api_key: "${RELAY_API_KEY}"
//
// A handful of variables also override the file directly when set:
// RELAY_HTTP_ADDR, RELAY_API_KEY, RELAY_JWT_SECRET, REDIS_ADDR,
// REDIS_PASSWORD, RELAY_ENGINE_URL and RELAY_LOG_LEVEL.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  start_wait: "20s"
//	  reconnect:
//	    initial_delay: "1s"
//	    max_delay: "1m"
//	    stable_after: "30s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:3000"
//
//	tailscale:
//	  enabled: false
//	  hostname: "relay"
//	  https: true
//
//	auth:
//	  api_key: "${RELAY_API_KEY}"
//	  jwt_secret: "${RELAY_JWT_SECRET}"   # at least 32 bytes
//
//	store:
//	  driver: "redis"                      # or "sqlite" (default)
//	  namespace: "session"
//	  credentials_ttl: ""                  # empty keeps credentials forever
//	  sqlite:
//	    path: "./relay.db"
//	  redis:
//	    addr: "localhost:6379"
//
//	provider:
//	  kind: "remote"                       # or "fake" for local development
//	  remote:
//	    url: "ws://localhost:7070"
//	    request_timeout: "30s"
//
//	sessions:
//	  restore_on_boot: true
//	  reconnect:
//	    multiplier: 2
//	    max_attempts: 10                   # 0 retries forever
//
//	webhook:
//	  timeout: "10s"
//	  max_attempts: 1
//	  include_history: false
//
//	logging:
//	  level: "info"
//	  format: "text"                       # or "json"
package config

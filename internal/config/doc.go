// Package config handles configuration loading for warren-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Timing fields accept Go duration strings ("10s", "1m30s"):
//
//	gateway:
//	  handshake_timeout: "10s"
//	  request_timeout: "30s"
package config

// Package config handles configuration loading for parley.
//
// # Overview
//
// Configuration is loaded from a YAML file, or TOML when the file name ends
// in .toml, with environment variable expansion. Missing values get
// defaults before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PARLEY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/parley/config.yaml
//  3. ~/.config/parley/config.yaml
//
// The CLI loads a .env file from the working directory before reading the
// config, so secrets can stay out of it.
//
// # Environment Variable Expansion
//
//	provider:
//	  api_key: "${PARLEY_PROVIDER_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax and must be positive:
//
//	reconcile:
//	  interval: "5m"
//	pending_sends:
//	  sync_after: "10s"
//	  retention: "24h"
//
// # Configuration Sections
//
// Provider and webhook:
//
//	provider:
//	  base_url: "https://api.example.com"
//	  api_key: "${PARLEY_PROVIDER_API_KEY}"
//	  rate_limit: 5        # requests per second, 0 disables
//	webhook:
//	  path: "/webhooks/messages"
//	  public_url: "https://parley.example.com"  # enables registration at startup
//	  secret: "${PARLEY_WEBHOOK_SECRET}"        # enables signature checks
//
// Reconciliation:
//
//	reconcile:
//	  interval: "5m"
//	  schedule: "*/10 * * * *"  # cron, overrides interval
//	  on_startup: true
//	  full_sync_on_startup: false
//
// Starter holds a complete annotated file; `parley init` writes it.
//
// # Validation
//
// Load() validates:
//
//   - A listen address or an enabled tailscale hostname
//   - The database driver (sqlite or postgres)
//   - Provider base URL and API key
//   - JWT secret minimum length (32 bytes) when set
//   - Logging level and format values
package config

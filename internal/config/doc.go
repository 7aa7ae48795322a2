// Package config handles configuration loading for convosync.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Values missing from the file keep the value from Default, so an
// empty file is a valid configuration.
//
// # Configuration File
//
// Lookup order used by LoadOrDefault:
//
//  1. Explicit path (the --config flag)
//  2. Path from the CONVOSYNC_CONFIG environment variable
//  3. Built-in defaults
//
// The format is chosen by extension: .yaml, .yml or .toml.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${CONVOSYNC_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sync:
//	  poll_interval: "5s"
//	  dedupe_window: "5m"
//
// # Sections
//
//   - server: backend base_url, optional ws_url, request_timeout, rate limit
//   - auth: bearer token or token_file
//   - sync: poll_enabled, push_enabled, poll_interval, dedupe_window, dedupe_size
//   - outbox: auto_retry, max_attempts, retry_delay
//   - store: path of the SQLite draft database (empty disables drafts)
//   - logging: level (debug|info|warn|error), format (text|json)
//   - metrics: enabled, addr, path
//   - fake: development backend addr, jwt_secret, echo, echo_delay
//
// # Example
//
//	server:
//	  base_url: "https://support.example.com"
//	  request_timeout: "10s"
//	  requests_per_second: 10
//	  burst: 5
//
//	auth:
//	  token: "${CONVOSYNC_TOKEN}"
//
//	sync:
//	  poll_interval: "5s"
//	  push_enabled: true
//
//	outbox:
//	  auto_retry: false
//
//	store:
//	  path: "${HOME}/.local/share/convosync/drafts.db"
package config

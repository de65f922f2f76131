// Package config handles configuration loading for coven-messenger.
//
// Configuration is read from a YAML file, or a TOML file when the path ends
// in .toml. ${VAR_NAME} references are expanded from the environment before
// decoding:
//
//	auth:
//	  jwt_secret: "${COVEN_MESSENGER_JWT_SECRET}"
//
// Durations use time.ParseDuration syntax. The realtime section bounds live
// connections:
//
//	realtime:
//	  idle_timeout: "60s"
//	  keepalive_interval: "25s"   # must be shorter than idle_timeout
//	  max_missed_probes: 3
//
// Load applies defaults for every unset tunable and then validates the result.
// COVEN_MESSENGER_DB_PATH overrides database.path.
package config

// Package config handles configuration loading for the messaging client.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion and duration parsing.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  base_url: "${EPROP_BASE_URL}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	realtime:
//	  reconnect_delay: "1s"
//	  send_ack_timeout: "10s"
//
// # Configuration Sections
//
// Backend and realtime endpoints:
//
//	server:
//	  base_url: "http://localhost:5000"
//
//	realtime:
//	  url: "ws://localhost:5000/ws"
//	  reconnect_attempts: 5
//	  reconnect_delay: "1s"
//	  send_ack_timeout: "10s"
//
// Typing indicator windows:
//
//	typing:
//	  idle: "1s"     # stop signal after the last keystroke
//	  expiry: "3s"   # clear a remote indicator whose stop signal was lost
//
// Unread badge polling:
//
//	unread:
//	  poll_interval: "30s"
//	  read_receipt_delay: "1s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Omitted durations stay zero and the consuming component applies its
// default.
package config

// Package dedupe provides a bounded seen-id cache used for idempotent
// message receipt, absorbing duplicate deliveries within a TTL window.
package dedupe

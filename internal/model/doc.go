// Package model defines the value types shared across the taskbridge
// core: task mappings, poller cursors, audit entries, and the changed
// items that flow from the pollers into the reconciliation engine.
package model

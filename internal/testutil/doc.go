// Package testutil contains fluent builders for conversation content and
// sessions used across tests. Not intended for production use.
package testutil

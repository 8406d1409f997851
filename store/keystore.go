// keystore.go - namespaced key-value store interface.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package store

// Key namespaces. Every consumer addresses the store as (namespace, id).
const (
	NSPreKey              = "pre-key"
	NSSession             = "session"
	NSSenderKey           = "sender-key"
	NSSenderKeyMemory     = "sender-key-memory"
	NSAppStateSyncKey     = "app-state-sync-key"
	NSAppStateSyncVersion = "app-state-sync-version"
)

// Namespaces lists every namespace a backend must provision.
func Namespaces() []string {
	return []string{
		NSPreKey,
		NSSession,
		NSSenderKey,
		NSSenderKeyMemory,
		NSAppStateSyncKey,
		NSAppStateSyncVersion,
	}
}

// KeyStore is a namespaced KV store. Get returns only the ids that exist;
// Set with a nil value deletes. Transaction runs fn atomically against a
// view that sees fn's own writes; a Transaction call made inside fn joins
// the outer transaction instead of nesting.
type KeyStore interface {
	Get(namespace string, ids []string) (map[string][]byte, error)
	Set(namespace string, values map[string][]byte) error
	Transaction(fn func(tx KeyStore) error) error
}

// Store couples the key store with credential persistence.
type Store interface {
	KeyStore

	SaveCreds(*Creds) error
	// LoadCreds returns (nil, nil) when the device has never paired.
	LoadCreds() (*Creds, error)

	Close() error
}

// CommitError marks a transaction that failed while committing, after
// its function had already succeeded. Such failures are transient and
// safe to retry; the function's own writes were not applied.
type CommitError struct {
	Err error
}

// Error implements the error interface.
func (e *CommitError) Error() string {
	return "store: commit failed: " + e.Err.Error()
}

// Unwrap returns the underlying commit failure.
func (e *CommitError) Unwrap() error { return e.Err }

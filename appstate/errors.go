// errors.go
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package appstate

import (
	"errors"
	"fmt"
)

var (
	// ErrMismatchingPatchMAC means the patch MAC did not cover the
	// patch contents under the referenced key.
	ErrMismatchingPatchMAC = errors.New("appstate: patch MAC mismatch")
	// ErrMismatchingContentMAC means a mutation value failed its MAC.
	ErrMismatchingContentMAC = errors.New("appstate: content MAC mismatch")
	// ErrMismatchingIndexMAC means a decrypted index did not match the
	// record's index MAC.
	ErrMismatchingIndexMAC = errors.New("appstate: index MAC mismatch")
	// ErrMismatchingLTHash means the accumulator after applying a patch
	// or snapshot did not match its snapshot MAC.
	ErrMismatchingLTHash = errors.New("appstate: state hash mismatch")
	// ErrMissingPreviousValue means a remove referenced an index with no
	// live entry, so the accumulator cannot be rolled back.
	ErrMissingPreviousValue = errors.New("appstate: remove without previous set")
)

// KeyNotFoundError reports an app state sync key the store does not hold
// yet. It is not retryable until a key share delivers the key, so sync
// treats it like a server 404.
type KeyNotFoundError struct {
	ID []byte
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("appstate: sync key %X not found", e.ID)
}

// StatusCode implements the coded-error convention used by the sync
// retry policy.
func (e *KeyNotFoundError) StatusCode() int { return 404 }

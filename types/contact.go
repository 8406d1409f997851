// contact.go - contact and chat update records.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package types

import "time"

// ContactUpdate is a partial contact mutation. Nil fields are untouched;
// updates for the same JID merge field-wise, later values winning.
type ContactUpdate struct {
	JID      JID
	PushName *string
	FullName *string
}

// Merge folds other into c, other's non-nil fields taking precedence.
func (c *ContactUpdate) Merge(other ContactUpdate) {
	if other.PushName != nil {
		c.PushName = other.PushName
	}
	if other.FullName != nil {
		c.FullName = other.FullName
	}
}

// ChatUpdate is a partial chat mutation produced by app state sync.
// MuteEndTime is only meaningful when Muted is set and true; a muted
// chat with a zero end time is muted indefinitely.
type ChatUpdate struct {
	JID         JID
	Archived    *bool
	Pinned      *bool
	Muted       *bool
	MuteEndTime *time.Time
	MarkedRead  *bool
	Cleared     *bool
}

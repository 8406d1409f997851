// decode.go - snapshot and patch verification.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package appstate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/haven-im/wamd/waproto"
)

// Mutation is one decoded collection entry change, ready for dispatch.
// Index[0] names the mutation kind, the remaining elements its target.
type Mutation struct {
	Operation waproto.SyncdOperation
	Action    *waproto.SyncActionValue
	Index     []string
	IndexMAC  []byte
	ValueMAC  []byte
}

// IndexString is the canonical identity of the entry this mutation
// touches; later mutations with the same index supersede earlier ones.
func (m Mutation) IndexString() string {
	blob, _ := json.Marshal(m.Index)
	return string(blob)
}

// decodeMutations verifies, decrypts and folds one batch into state.
// Snapshot records arrive wrapped as implicit set operations.
func (p *Processor) decodeMutations(muts []*waproto.SyncdMutation, state *HashState, validateMACs bool) ([]Mutation, error) {
	pairs := make([]macPair, 0, len(muts))
	out := make([]Mutation, 0, len(muts))
	for _, mut := range muts {
		rec := mut.Record
		keys, err := p.keysFor(rec.KeyID)
		if err != nil {
			return nil, err
		}
		if len(rec.Value) <= 32 {
			return nil, fmt.Errorf("appstate: record value too short (%d bytes)", len(rec.Value))
		}
		content, valueMAC := rec.Value[:len(rec.Value)-32], rec.Value[len(rec.Value)-32:]
		if validateMACs {
			expected := generateContentMAC(mut.Operation, content, rec.KeyID, keys.ValueMAC)
			if !hmac.Equal(expected, valueMAC) {
				return nil, ErrMismatchingContentMAC
			}
		}
		plaintext, err := cbcDecrypt(keys.ValueEncryption, content)
		if err != nil {
			return nil, err
		}
		data, err := waproto.ParseSyncActionData(plaintext)
		if err != nil {
			return nil, err
		}
		if validateMACs {
			h := hmac.New(sha256.New, keys.Index)
			h.Write(data.Index)
			if !hmac.Equal(h.Sum(nil), rec.Index) {
				return nil, ErrMismatchingIndexMAC
			}
		}
		var index []string
		if err := json.Unmarshal(data.Index, &index); err != nil {
			return nil, fmt.Errorf("appstate: malformed mutation index: %w", err)
		}
		pairs = append(pairs, macPair{indexMAC: rec.Index, valueMAC: valueMAC, op: mut.Operation})
		out = append(out, Mutation{
			Operation: mut.Operation,
			Action:    data.Value,
			Index:     index,
			IndexMAC:  rec.Index,
			ValueMAC:  valueMAC,
		})
	}
	if err := state.apply(pairs); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeSnapshot rebuilds a collection from a full dump. Mutations are
// returned only when the snapshot moves past initialVersion; entries the
// caller already held are folded into the state silently.
func (p *Processor) DecodeSnapshot(name Collection, ss *waproto.SyncdSnapshot, initialVersion uint64, validateMACs bool) (HashState, []Mutation, error) {
	state := NewHashState()
	state.Version = ss.Version
	muts := make([]*waproto.SyncdMutation, len(ss.Records))
	for i, rec := range ss.Records {
		muts[i] = &waproto.SyncdMutation{Operation: waproto.SyncdSet, Record: rec}
	}
	decoded, err := p.decodeMutations(muts, &state, validateMACs)
	if err != nil {
		return HashState{}, nil, err
	}
	if validateMACs {
		keys, err := p.keysFor(ss.KeyID)
		if err != nil {
			return HashState{}, nil, err
		}
		expected := generateSnapshotMAC(state.Hash, state.Version, name, keys.SnapshotMAC)
		if !hmac.Equal(expected, ss.MAC) {
			return HashState{}, nil, fmt.Errorf("%w: %s snapshot at v%d", ErrMismatchingLTHash, name, state.Version)
		}
	}
	if state.Version <= initialVersion {
		decoded = nil
	}
	p.log.Debugf("decoded %s snapshot: %d records, v%d", name, len(ss.Records), state.Version)
	return state, decoded, nil
}

// DecodePatches applies incremental patches on top of initial. Each
// patch is checked in three steps: patch MAC over its contents, then the
// mutations' own MACs, then the snapshot MAC over the advanced state.
// The input state is never modified; on error the caller keeps what it
// had. Mutations from patches at or below initialVersion are folded in
// but not returned.
func (p *Processor) DecodePatches(name Collection, patches []*waproto.SyncdPatch, initial HashState, initialVersion uint64, validateMACs bool) (HashState, []Mutation, error) {
	state := initial.clone()
	var out []Mutation
	for _, patch := range patches {
		version := patch.Version
		var keys ExpandedKeys
		if validateMACs {
			var err error
			keys, err = p.keysFor(patch.KeyID)
			if err != nil {
				return HashState{}, nil, err
			}
			valueMACs := make([][]byte, len(patch.Mutations))
			for i, mut := range patch.Mutations {
				v := mut.Record.Value
				if len(v) <= 32 {
					return HashState{}, nil, fmt.Errorf("appstate: record value too short (%d bytes)", len(v))
				}
				valueMACs[i] = v[len(v)-32:]
			}
			expected := generatePatchMAC(patch.SnapshotMAC, valueMACs, version, name, keys.PatchMAC)
			if !hmac.Equal(expected, patch.PatchMAC) {
				return HashState{}, nil, fmt.Errorf("%w: %s v%d", ErrMismatchingPatchMAC, name, version)
			}
		}
		decoded, err := p.decodeMutations(patch.Mutations, &state, validateMACs)
		if err != nil {
			return HashState{}, nil, err
		}
		state.Version = version
		if validateMACs {
			expected := generateSnapshotMAC(state.Hash, version, name, keys.SnapshotMAC)
			if !hmac.Equal(expected, patch.SnapshotMAC) {
				return HashState{}, nil, fmt.Errorf("%w: %s v%d", ErrMismatchingLTHash, name, version)
			}
		}
		if version > initialVersion {
			out = append(out, decoded...)
		}
	}
	if len(patches) > 0 {
		p.log.Debugf("applied %d %s patches, now at v%d", len(patches), name, state.Version)
	}
	return state, out, nil
}

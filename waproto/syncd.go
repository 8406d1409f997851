// syncd.go - app state sync record codec.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package waproto

import (
	"fmt"
)

// SyncdOperation is the mutation kind inside a patch.
type SyncdOperation int32

const (
	SyncdSet    SyncdOperation = 0
	SyncdRemove SyncdOperation = 1
)

func (op SyncdOperation) String() string {
	switch op {
	case SyncdSet:
		return "set"
	case SyncdRemove:
		return "remove"
	default:
		return fmt.Sprintf("operation(%d)", int32(op))
	}
}

// SyncdRecord is one encrypted app state entry. Index carries the HMAC of
// the plaintext index, Value the ciphertext with the value MAC appended,
// KeyID the app state sync key the entry was encrypted under.
type SyncdRecord struct {
	Index []byte
	Value []byte
	KeyID []byte
}

// SyncdMutation is a record plus the operation to apply it with.
type SyncdMutation struct {
	Operation SyncdOperation
	Record    *SyncdRecord
}

// SyncdSnapshot is a full collection dump at a given version.
type SyncdSnapshot struct {
	Version uint64
	Records []*SyncdRecord
	MAC     []byte
	KeyID   []byte
}

// SyncdPatch is an incremental collection update. SnapshotMAC commits to
// the collection state after the patch, PatchMAC to the patch itself.
type SyncdPatch struct {
	Version     uint64
	Mutations   []*SyncdMutation
	SnapshotMAC []byte
	PatchMAC    []byte
	KeyID       []byte
}

// The version, index, value and key id fields are single-field wrapper
// messages on the wire.

func parseWrappedBytes(data []byte, what string) ([]byte, error) {
	var out []byte
	err := eachField(data, func(f field) error {
		if f.num == 1 {
			out = f.bytes
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("waproto: %s: %w", what, err)
	}
	return out, nil
}

func parseWrappedUint(data []byte, what string) (uint64, error) {
	var out uint64
	err := eachField(data, func(f field) error {
		if f.num == 1 {
			out = f.varint
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("waproto: %s: %w", what, err)
	}
	return out, nil
}

type wrappedBytes struct {
	blob []byte
}

func (m *wrappedBytes) appendTo(w *fieldWriter) {
	w.bytes(1, m.blob)
}

type wrappedUint struct {
	v uint64
}

func (m *wrappedUint) appendTo(w *fieldWriter) {
	w.uvarint(1, m.v)
}

func parseSyncdRecord(data []byte) (*SyncdRecord, error) {
	out := &SyncdRecord{}
	err := eachField(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			out.Index, err = parseWrappedBytes(f.bytes, "record index")
		case 2:
			out.Value, err = parseWrappedBytes(f.bytes, "record value")
		case 3:
			out.KeyID, err = parseWrappedBytes(f.bytes, "record key id")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Index == nil || out.Value == nil || out.KeyID == nil {
		return nil, fmt.Errorf("waproto: sync record missing index, value or key id")
	}
	return out, nil
}

func (r *SyncdRecord) appendTo(w *fieldWriter) {
	w.message(1, &wrappedBytes{r.Index})
	w.message(2, &wrappedBytes{r.Value})
	w.message(3, &wrappedBytes{r.KeyID})
}

func parseSyncdMutation(data []byte) (*SyncdMutation, error) {
	out := &SyncdMutation{}
	err := eachField(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			out.Operation = SyncdOperation(f.varint)
		case 2:
			out.Record, err = parseSyncdRecord(f.bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Record == nil {
		return nil, fmt.Errorf("waproto: sync mutation missing record")
	}
	return out, nil
}

func (m *SyncdMutation) appendTo(w *fieldWriter) {
	w.enum(1, uint64(m.Operation))
	w.message(2, m.Record)
}

// ParseSyncdSnapshot decodes the content of a sync collection snapshot
// node.
func ParseSyncdSnapshot(data []byte) (*SyncdSnapshot, error) {
	out := &SyncdSnapshot{}
	err := eachField(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			out.Version, err = parseWrappedUint(f.bytes, "snapshot version")
		case 2:
			var rec *SyncdRecord
			rec, err = parseSyncdRecord(f.bytes)
			if err == nil {
				out.Records = append(out.Records, rec)
			}
		case 3:
			out.MAC = f.bytes
		case 4:
			out.KeyID, err = parseWrappedBytes(f.bytes, "snapshot key id")
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("waproto: sync snapshot: %w", err)
	}
	return out, nil
}

func (s *SyncdSnapshot) Marshal() []byte {
	var w fieldWriter
	w.message(1, &wrappedUint{s.Version})
	for _, rec := range s.Records {
		w.message(2, rec)
	}
	w.bytes(3, s.MAC)
	w.message(4, &wrappedBytes{s.KeyID})
	return w.buf
}

// ParseSyncdPatch decodes the content of a sync collection patch node.
// External mutation blobs (field 3) are not fetched here; patches carrying
// only an external reference come back with no mutations.
func ParseSyncdPatch(data []byte) (*SyncdPatch, error) {
	out := &SyncdPatch{}
	err := eachField(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			out.Version, err = parseWrappedUint(f.bytes, "patch version")
		case 2:
			var mut *SyncdMutation
			mut, err = parseSyncdMutation(f.bytes)
			if err == nil {
				out.Mutations = append(out.Mutations, mut)
			}
		case 4:
			out.SnapshotMAC = f.bytes
		case 5:
			out.PatchMAC = f.bytes
		case 6:
			out.KeyID, err = parseWrappedBytes(f.bytes, "patch key id")
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("waproto: sync patch: %w", err)
	}
	return out, nil
}

func (p *SyncdPatch) Marshal() []byte {
	var w fieldWriter
	// Outbound patches carry no version; the server assigns one.
	if p.Version != 0 {
		w.message(1, &wrappedUint{p.Version})
	}
	for _, mut := range p.Mutations {
		w.message(2, mut)
	}
	w.bytes(4, p.SnapshotMAC)
	w.bytes(5, p.PatchMAC)
	w.message(6, &wrappedBytes{p.KeyID})
	return w.buf
}

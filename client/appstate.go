// appstate.go - app state collection sync and outbound patches.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/haven-im/wamd/appstate"
	"github.com/haven-im/wamd/event"
	"github.com/haven-im/wamd/store"
	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/wabinary"
	"github.com/haven-im/wamd/waproto"
)

// maxSyncAttempts bounds how often a collection is wiped and re-fetched
// before it is abandoned for the cycle.
const maxSyncAttempts = 2

// errBadSyncPayload marks a server payload that failed to parse.
// Re-fetching the same bytes cannot succeed, so the collection is
// abandoned immediately.
var errBadSyncPayload = errors.New("client: undecodable app state payload")

// statusCoder is the coded-error convention shared by IQ errors and
// missing-key errors.
type statusCoder interface {
	StatusCode() int
}

// appStateKey resolves one sync key id for the decode processor. Reads
// go through the open transaction when one is active, so keys shared
// earlier in the same message batch are visible before commit.
func (c *Client) appStateKey(id []byte) ([]byte, error) {
	sid := appStateKeyStoreID(id)
	got, err := c.txKeys().Get(store.NSAppStateSyncKey, []string{sid})
	if err != nil {
		return nil, err
	}
	blob, ok := got[sid]
	if !ok {
		return nil, nil
	}
	var rec appStateKeyRecord
	if err := cbor.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("client: corrupt sync key record %s: %w", sid, err)
	}
	return rec.KeyData, nil
}

// maybeStartInitialBuffer begins buffering events when the offline queue
// drains before this device holds any app state keys. Everything that
// follows belongs to the initial sync and is released atomically once
// the first full resync finishes.
func (c *Client) maybeStartInitialBuffer() {
	c.appStateLock.Lock()
	defer c.appStateLock.Unlock()
	if c.initialAppStateSynced || c.initialSyncBuffered || len(c.creds.MyAppStateKeyID) != 0 {
		return
	}
	c.log.Infof("buffering events until the initial app state sync completes")
	c.bus.Buffer()
	c.initialSyncBuffered = true
}

// doInitialAppStateSync runs the one-time full collection sync after
// history arrives, bumps the account sync counter and releases the
// initial event buffer. Caller holds the processing mutex.
func (c *Client) doInitialAppStateSync() {
	c.appStateLock.Lock()
	if c.initialAppStateSynced {
		c.appStateLock.Unlock()
		return
	}
	c.initialAppStateSynced = true
	c.pendingAppStateSync = false
	c.appStateLock.Unlock()

	err := c.resyncAppState(context.Background(), appstate.AllCollections, true)
	if err != nil {
		c.log.Errorf("initial app state sync failed: %v", err)
	} else {
		c.creds.AccountSyncCounter++
		c.creds.LastAccountSyncTimestamp = c.clock.Now().Unix()
		c.emitCredsUpdate()
	}

	c.appStateLock.Lock()
	buffered := c.initialSyncBuffered
	c.initialSyncBuffered = false
	c.appStateLock.Unlock()
	if buffered {
		c.bus.Flush()
	}
}

// retryPendingAppStateSync runs the deferred initial sync once the key
// share that was blocking it has been stored. Caller holds the
// processing mutex.
func (c *Client) retryPendingAppStateSync() {
	c.appStateLock.Lock()
	pending := c.pendingAppStateSync && len(c.creds.MyAppStateKeyID) != 0
	c.appStateLock.Unlock()
	if pending {
		c.doInitialAppStateSync()
	}
}

// ResyncAppState brings the named collections (all of them when none are
// given) up to the server version and emits the resulting mutations.
func (c *Client) ResyncAppState(ctx context.Context, collections ...appstate.Collection) error {
	if !c.creds.Registered() {
		return types.ErrNotLoggedIn
	}
	if len(collections) == 0 {
		collections = appstate.AllCollections
	}
	c.processingMutex.Lock()
	defer c.processingMutex.Unlock()
	return c.resyncAppState(ctx, collections, false)
}

// resyncAppState runs one sync cycle inside a single key store
// transaction and dispatches the decoded mutations after it commits.
// Caller holds the processing mutex.
func (c *Client) resyncAppState(ctx context.Context, collections []appstate.Collection, isInitial bool) error {
	if isInitial {
		c.log.Noticef("starting initial app state sync across %d collections", len(collections))
	}
	var result *syncResult
	err := c.retryTransaction(func(tx storeTx) error {
		c.activeTx = tx
		defer func() { c.activeTx = nil }()
		var err error
		result, err = c.runSyncCycle(ctx, tx, collections)
		return err
	})
	if err != nil {
		return err
	}
	c.dispatchSyncResult(collections, result)
	return nil
}

// syncResult is what one committed sync cycle produced, held back until
// the transaction is durable so a commit retry cannot double-emit.
type syncResult struct {
	mutations map[appstate.Collection]*mutationSet
	versions  map[appstate.Collection]uint64
	abandoned map[appstate.Collection]bool
}

// runSyncCycle is the fetch/decode/persist loop. Each pass requests
// every unfinished collection at its stored version; collections whose
// state fails to verify are wiped so the retry starts from a snapshot,
// and abandoned once the failure is clearly permanent.
func (c *Client) runSyncCycle(ctx context.Context, tx storeTx, collections []appstate.Collection) (*syncResult, error) {
	result := &syncResult{
		mutations: make(map[appstate.Collection]*mutationSet),
		versions:  make(map[appstate.Collection]uint64),
		abandoned: make(map[appstate.Collection]bool),
	}
	toHandle := make(map[appstate.Collection]bool, len(collections))
	for _, name := range collections {
		toHandle[name] = true
	}
	attempts := make(map[appstate.Collection]int)
	initialVersions := make(map[appstate.Collection]uint64)
	states := make(map[appstate.Collection]appstate.HashState)

	for len(toHandle) > 0 {
		request := make([]wabinary.Node, 0, len(toHandle))
		for _, name := range collections {
			if !toHandle[name] {
				continue
			}
			state, err := c.loadHashState(tx, name)
			if err != nil {
				return nil, err
			}
			states[name] = state
			if _, seen := initialVersions[name]; !seen {
				initialVersions[name] = state.Version
			}
			request = append(request, wabinary.Node{
				Tag: "collection",
				Attrs: map[string]string{
					"name":            string(name),
					"version":         strconv.FormatUint(state.Version, 10),
					"return_snapshot": strconv.FormatBool(state.Version == 0),
				},
			})
		}

		resp, err := c.sendIQ(ctx, infoQuery{
			Namespace: "w:sync:app:state",
			Type:      "set",
			Content:   []wabinary.Node{{Tag: "sync", Content: request}},
		})
		if err != nil {
			return nil, fmt.Errorf("client: app state sync query: %w", err)
		}
		sync, ok := resp.GetOptionalChildByTag("sync")
		if !ok {
			return nil, fmt.Errorf("client: app state sync reply carries no sync node")
		}

		for _, coll := range sync.GetChildrenByTag("collection") {
			name := appstate.Collection(coll.Attrs["name"])
			if !toHandle[name] {
				continue
			}
			err := c.applyCollection(tx, name, &coll, states, initialVersions[name], result)
			if err == nil {
				if coll.Attrs["has_more_patches"] != "true" {
					delete(toHandle, name)
				}
				continue
			}
			attempts[name]++
			c.log.Warningf("%s sync failed (attempt %d): %v", name, attempts[name], err)
			// Corrupt or unverifiable state cannot be patched forward;
			// discard it so the retry starts from a fresh snapshot.
			if werr := tx.Set(store.NSAppStateSyncVersion, map[string][]byte{string(name): nil}); werr != nil {
				return nil, werr
			}
			if syncFailurePermanent(err, attempts[name]) {
				c.log.Errorf("abandoning %s sync: %v", name, err)
				result.abandoned[name] = true
				delete(toHandle, name)
			}
		}
	}

	for name, state := range states {
		result.versions[name] = state.Version
	}
	return result, nil
}

// applyCollection decodes one collection's reply: the snapshot when one
// was requested, then the incremental patches on top. State is persisted
// after each decode so a later failure in the same cycle loses nothing.
func (c *Client) applyCollection(tx storeTx, name appstate.Collection, coll *wabinary.Node, states map[appstate.Collection]appstate.HashState, initialVersion uint64, result *syncResult) error {
	state := states[name]

	if snap, ok := coll.GetOptionalChildByTag("snapshot"); ok {
		ss, err := waproto.ParseSyncdSnapshot(snap.ContentBytes())
		if err != nil {
			return fmt.Errorf("%w: %v", errBadSyncPayload, err)
		}
		state, err = c.decodeInto(tx, name, result, func() (appstate.HashState, []appstate.Mutation, error) {
			return c.appstate.DecodeSnapshot(name, ss, initialVersion, c.cfg.AppStateMacVerification.Snapshot)
		})
		if err != nil {
			return err
		}
		states[name] = state
	}

	patches, err := collectionPatches(coll)
	if err != nil {
		return err
	}
	if len(patches) > 0 {
		state, err = c.decodeInto(tx, name, result, func() (appstate.HashState, []appstate.Mutation, error) {
			return c.appstate.DecodePatches(name, patches, state, initialVersion, c.cfg.AppStateMacVerification.Patch)
		})
		if err != nil {
			return err
		}
		states[name] = state
	}
	return nil
}

// decodeInto runs one decode step, persists the advanced state and
// merges the decoded mutations into the cycle result.
func (c *Client) decodeInto(tx storeTx, name appstate.Collection, result *syncResult, decode func() (appstate.HashState, []appstate.Mutation, error)) (appstate.HashState, error) {
	state, muts, err := decode()
	if err != nil {
		return appstate.HashState{}, err
	}
	if err := saveHashState(tx, name, state); err != nil {
		return appstate.HashState{}, err
	}
	set := result.mutations[name]
	if set == nil {
		set = newMutationSet()
		result.mutations[name] = set
	}
	set.add(muts)
	return state, nil
}

// collectionPatches pulls the patch list out of a collection node. Most
// replies wrap it in a patches child, some attach patch nodes directly.
func collectionPatches(coll *wabinary.Node) ([]*waproto.SyncdPatch, error) {
	parent := *coll
	if wrapped, ok := coll.GetOptionalChildByTag("patches"); ok {
		parent = wrapped
	}
	var out []*waproto.SyncdPatch
	for _, child := range parent.GetChildrenByTag("patch") {
		patch, err := waproto.ParseSyncdPatch(child.ContentBytes())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadSyncPayload, err)
		}
		out = append(out, patch)
	}
	return out, nil
}

// syncFailurePermanent decides whether a collection failure is worth
// another snapshot fetch. Missing keys surface as 404s and stay missing
// until a key share arrives, so retrying within the cycle is pointless.
func syncFailurePermanent(err error, attempts int) bool {
	if attempts >= maxSyncAttempts {
		return true
	}
	var coded statusCoder
	if errors.As(err, &coded) && coded.StatusCode() == 404 {
		return true
	}
	return errors.Is(err, errBadSyncPayload)
}

// loadHashState reads one collection's persisted state. Missing means a
// fresh collection; an undecodable record is dropped on the spot so the
// caller re-fetches from a snapshot instead of failing forever.
func (c *Client) loadHashState(tx storeTx, name appstate.Collection) (appstate.HashState, error) {
	got, err := tx.Get(store.NSAppStateSyncVersion, []string{string(name)})
	if err != nil {
		return appstate.HashState{}, err
	}
	blob, ok := got[string(name)]
	if !ok {
		return appstate.NewHashState(), nil
	}
	var state appstate.HashState
	if err := cbor.Unmarshal(blob, &state); err != nil {
		c.log.Warningf("discarding corrupt %s sync state: %v", name, err)
		if err := tx.Set(store.NSAppStateSyncVersion, map[string][]byte{string(name): nil}); err != nil {
			return appstate.HashState{}, err
		}
		return appstate.NewHashState(), nil
	}
	if state.Hash == nil {
		state.Hash = make([]byte, appstate.HashSize)
	}
	if state.IndexValueMap == nil {
		state.IndexValueMap = make(map[string][]byte)
	}
	return state, nil
}

func saveHashState(tx storeTx, name appstate.Collection, state appstate.HashState) error {
	blob, err := cbor.Marshal(&state)
	if err != nil {
		return fmt.Errorf("client: serializing %s sync state: %w", name, err)
	}
	return tx.Set(store.NSAppStateSyncVersion, map[string][]byte{string(name): blob})
}

// mutationSet is an insertion-ordered merge of decoded mutations: a
// later mutation for the same index replaces the earlier one in place,
// so dispatch sees each entry once with its final value, in the order
// the entries first appeared.
type mutationSet struct {
	order []string
	byKey map[string]appstate.Mutation
}

func newMutationSet() *mutationSet {
	return &mutationSet{byKey: make(map[string]appstate.Mutation)}
}

func (s *mutationSet) add(muts []appstate.Mutation) {
	for _, m := range muts {
		key := m.IndexString()
		if _, ok := s.byKey[key]; !ok {
			s.order = append(s.order, key)
		}
		s.byKey[key] = m
	}
}

func (s *mutationSet) ordered() []appstate.Mutation {
	out := make([]appstate.Mutation, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.byKey[key])
	}
	return out
}

// dispatchSyncResult emits the mutations of a committed cycle in
// collection request order, then a completion marker per collection
// that reached the server version.
func (c *Client) dispatchSyncResult(collections []appstate.Collection, result *syncResult) {
	for _, name := range collections {
		if result.abandoned[name] {
			continue
		}
		if set := result.mutations[name]; set != nil {
			for _, mut := range set.ordered() {
				c.dispatchMutation(mut)
			}
		}
		c.bus.Emit(&event.AppStateSyncComplete{
			Collection: string(name),
			Version:    result.versions[name],
		})
	}
}

// dispatchMutation translates one decoded mutation into public events.
// Removals arrive with their action fields unset and fall through the
// nil guards.
func (c *Client) dispatchMutation(mut appstate.Mutation) {
	if len(mut.Index) == 0 || mut.Action == nil {
		return
	}
	var target types.JID
	if len(mut.Index) > 1 {
		if jid, err := types.ParseJID(mut.Index[1]); err == nil {
			target = jid
		}
	}
	act := mut.Action
	switch mut.Index[0] {
	case appstate.IndexMute:
		if act.Mute == nil {
			return
		}
		upd := types.ChatUpdate{JID: target, Muted: &act.Mute.Muted}
		if act.Mute.Muted && act.Mute.MuteEndTimestamp > 0 {
			end := time.UnixMilli(act.Mute.MuteEndTimestamp)
			upd.MuteEndTime = &end
		}
		c.bus.Emit(&event.ChatsUpdate{Chats: []types.ChatUpdate{upd}})
	case appstate.IndexPin:
		if act.Pin == nil {
			return
		}
		c.bus.Emit(&event.ChatsUpdate{Chats: []types.ChatUpdate{{JID: target, Pinned: &act.Pin.Pinned}}})
	case appstate.IndexArchive:
		if act.ArchiveChat == nil {
			return
		}
		c.bus.Emit(&event.ChatsUpdate{Chats: []types.ChatUpdate{{JID: target, Archived: &act.ArchiveChat.Archived}}})
	case appstate.IndexMarkChatAsRead:
		if act.MarkChatAsRead == nil {
			return
		}
		c.bus.Emit(&event.ChatsUpdate{Chats: []types.ChatUpdate{{JID: target, MarkedRead: &act.MarkChatAsRead.Read}}})
	case appstate.IndexClearChat:
		if act.ClearChat == nil {
			return
		}
		cleared := true
		c.bus.Emit(&event.ChatsUpdate{Chats: []types.ChatUpdate{{JID: target, Cleared: &cleared}}})
	case appstate.IndexDeleteChat:
		if act.DeleteChat == nil {
			return
		}
		c.bus.Emit(&event.ChatsDelete{JIDs: []types.JID{target}})
	case appstate.IndexContact:
		if act.Contact == nil {
			return
		}
		name := act.Contact.FullName
		c.bus.Emit(&event.ContactsUpdate{Contacts: []types.ContactUpdate{{JID: target, FullName: &name}}})
	case appstate.IndexStar:
		if act.Star == nil || len(mut.Index) < 3 {
			return
		}
		c.bus.Emit(&event.MessagesStar{
			Chat:    target,
			IDs:     []types.MessageID{mut.Index[2]},
			Starred: act.Star.Starred,
		})
	case appstate.IndexDeleteMessageForMe:
		if act.DeleteMessageForMe == nil || len(mut.Index) < 3 {
			return
		}
		c.bus.Emit(&event.MessagesDelete{
			Chat:  target,
			IDs:   []types.MessageID{mut.Index[2]},
			ForMe: true,
		})
	case appstate.IndexSettingPushName:
		if act.PushName == nil || act.PushName.Name == c.creds.PushName {
			return
		}
		c.creds.PushName = act.PushName.Name
		c.emitCredsUpdate()
	case appstate.IndexSettingUnarchiveChat:
		if act.UnarchiveChats == nil || act.UnarchiveChats.UnarchiveChats == c.creds.UnarchiveChats {
			return
		}
		c.creds.UnarchiveChats = act.UnarchiveChats.UnarchiveChats
		c.emitCredsUpdate()
	default:
		c.log.Debugf("unhandled %s app state mutation", mut.Index[0])
	}
}

// SendAppState publishes a locally built app state patch to every device
// on the account. The collection is brought current inside the same
// transaction first, so the patch always applies on top of the server's
// version.
func (c *Client) SendAppState(ctx context.Context, patch appstate.PatchInfo) error {
	if !c.creds.Registered() {
		return types.ErrNotLoggedIn
	}
	if len(c.creds.MyAppStateKeyID) == 0 {
		return types.ErrAppStateKeyMissing
	}
	if len(patch.Mutations) == 0 {
		return nil
	}
	name := patch.Type

	c.processingMutex.Lock()
	defer c.processingMutex.Unlock()

	var result *syncResult
	var encoded *waproto.SyncdPatch
	var preState, newState appstate.HashState
	err := c.retryTransaction(func(tx storeTx) error {
		c.activeTx = tx
		defer func() { c.activeTx = nil }()

		var err error
		result, err = c.runSyncCycle(ctx, tx, []appstate.Collection{name})
		if err != nil {
			return err
		}
		if result.abandoned[name] {
			return fmt.Errorf("client: %s state could not be synced, not patching it", name)
		}
		preState, err = c.loadHashState(tx, name)
		if err != nil {
			return err
		}
		encoded, newState, err = c.appstate.EncodePatch(c.creds.MyAppStateKeyID, preState, patch)
		if err != nil {
			return err
		}
		// The request names the predecessor version; the server assigns
		// the new one on acceptance.
		_, err = c.sendIQ(ctx, infoQuery{
			Namespace: "w:sync:app:state",
			Type:      "set",
			Content: []wabinary.Node{{
				Tag: "sync",
				Content: []wabinary.Node{{
					Tag: "collection",
					Attrs: map[string]string{
						"name":            string(name),
						"version":         strconv.FormatUint(newState.Version-1, 10),
						"return_snapshot": "false",
					},
					Content: []wabinary.Node{{Tag: "patch", Content: encoded.Marshal()}},
				}},
			}},
		})
		if err != nil {
			return err
		}
		return saveHashState(tx, name, newState)
	})
	if err != nil {
		return err
	}
	c.dispatchSyncResult([]appstate.Collection{name}, result)
	if c.cfg.EmitOwnEvents {
		c.emitOwnPatch(name, encoded, preState, newState.Version)
	}
	return nil
}

// emitOwnPatch replays a just-accepted outbound patch through the local
// decode path, so subscribers observe their own change without waiting
// for the server to echo it.
func (c *Client) emitOwnPatch(name appstate.Collection, patch *waproto.SyncdPatch, preState appstate.HashState, version uint64) {
	// The sent patch carries no version; decoding needs the one the
	// server just assigned.
	versioned := *patch
	versioned.Version = version
	_, muts, err := c.appstate.DecodePatches(name, []*waproto.SyncdPatch{&versioned}, preState, preState.Version, false)
	if err != nil {
		c.log.Warningf("cannot replay own %s patch: %v", name, err)
		return
	}
	for _, mut := range muts {
		c.dispatchMutation(mut)
	}
}

// appstate_test.go
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-im/wamd/appstate"
	"github.com/haven-im/wamd/event"
	"github.com/haven-im/wamd/log"
	"github.com/haven-im/wamd/store"
	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/wabinary"
	"github.com/haven-im/wamd/waproto"
)

// syncFixture is a server-side patch encoder sharing one sync key with
// the client under test, so fabricated snapshots and patches verify end
// to end.
type syncFixture struct {
	proc    *appstate.Processor
	keyID   []byte
	keyData []byte
}

func newSyncFixture(t *testing.T) *syncFixture {
	return newSyncFixtureKey(t, []byte{0x0A, 0x1B, 0x2C, 0x3D, 0x4E, 0x5F}, bytes.Repeat([]byte{0x6E}, 32))
}

func newSyncFixtureKey(t *testing.T, keyID, keyData []byte) *syncFixture {
	t.Helper()
	f := &syncFixture{keyID: keyID, keyData: keyData}
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	f.proc = appstate.NewProcessor(func(id []byte) ([]byte, error) {
		if bytes.Equal(id, f.keyID) {
			return f.keyData, nil
		}
		return nil, nil
	}, backend)
	return f
}

// install seeds the client's key store with the shared sync key and
// marks it as the device's own.
func (f *syncFixture) install(t *testing.T, env *testEnv) {
	t.Helper()
	blob, err := cbor.Marshal(&appStateKeyRecord{KeyData: f.keyData, Timestamp: 1700000000})
	require.NoError(t, err)
	require.NoError(t, env.keys.Set(store.NSAppStateSyncKey, map[string][]byte{
		appStateKeyStoreID(f.keyID): blob,
	}))
	env.creds.MyAppStateKeyID = f.keyID
}

// patch encodes one server-side patch on top of state, carrying the
// version the server would assign.
func (f *syncFixture) patch(t *testing.T, state appstate.HashState, info appstate.PatchInfo) (*waproto.SyncdPatch, appstate.HashState) {
	t.Helper()
	patch, next, err := f.proc.EncodePatch(f.keyID, state, info)
	require.NoError(t, err)
	patch.Version = next.Version
	return patch, next
}

// snapshot folds the given mutations into a full collection dump at
// exactly the given version. The patch encoder's snapshot MAC commits
// to the post-patch state, which is the same state a snapshot of those
// records describes.
func (f *syncFixture) snapshot(t *testing.T, version uint64, infos ...appstate.PatchInfo) (*waproto.SyncdSnapshot, appstate.HashState) {
	t.Helper()
	require.NotZero(t, version)
	pre := appstate.NewHashState()
	pre.Version = version - 1
	combined := appstate.PatchInfo{Type: infos[0].Type}
	for _, info := range infos {
		combined.Mutations = append(combined.Mutations, info.Mutations...)
	}
	patch, state := f.patch(t, pre, combined)
	records := make([]*waproto.SyncdRecord, len(patch.Mutations))
	for i, m := range patch.Mutations {
		records[i] = m.Record
	}
	return &waproto.SyncdSnapshot{
		Version: state.Version,
		Records: records,
		MAC:     patch.SnapshotMAC,
		KeyID:   f.keyID,
	}, state
}

// syncRequest is one collection entry of a recorded sync query.
type syncRequest struct {
	version        string
	returnSnapshot string
	patch          []byte
}

// syncReply scripts one collection entry of a sync response.
type syncReply struct {
	snapshot *waproto.SyncdSnapshot
	patches  []*waproto.SyncdPatch
	rawPatch []byte
	hasMore  bool
}

// appStateServer answers w:sync:app:state queries from per-collection
// reply queues and records every request it saw. Collections with no
// queued reply get an empty one, meaning already current.
type appStateServer struct {
	mu       sync.Mutex
	requests []map[string]syncRequest
	replies  map[string][]syncReply
}

func newAppStateServer() *appStateServer {
	return &appStateServer{replies: make(map[string][]syncReply)}
}

func (s *appStateServer) queue(name appstate.Collection, replies ...syncReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[string(name)] = append(s.replies[string(name)], replies...)
}

func (s *appStateServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *appStateServer) request(t *testing.T, i int, name appstate.Collection) syncRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Greater(t, len(s.requests), i)
	req, ok := s.requests[i][string(name)]
	require.True(t, ok, "request %d does not name %s", i, name)
	return req
}

func (s *appStateServer) requested(i int, name appstate.Collection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.requests) {
		return false
	}
	_, ok := s.requests[i][string(name)]
	return ok
}

func (s *appStateServer) hook(req *wabinary.Node) []*wabinary.Node {
	if req.Tag != "iq" || req.Attrs["xmlns"] != "w:sync:app:state" {
		return nil
	}
	syncNode, ok := req.GetOptionalChildByTag("sync")
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]syncRequest)
	var colls []wabinary.Node
	for _, coll := range syncNode.GetChildrenByTag("collection") {
		name := coll.Attrs["name"]
		sr := syncRequest{
			version:        coll.Attrs["version"],
			returnSnapshot: coll.Attrs["return_snapshot"],
		}
		if patch, ok := coll.GetOptionalChildByTag("patch"); ok {
			sr.patch = patch.ContentBytes()
		}
		seen[name] = sr

		var reply syncReply
		if queued := s.replies[name]; len(queued) > 0 {
			reply = queued[0]
			s.replies[name] = queued[1:]
		}
		node := wabinary.Node{
			Tag: "collection",
			Attrs: map[string]string{
				"name":             name,
				"has_more_patches": strconv.FormatBool(reply.hasMore),
			},
		}
		var children []wabinary.Node
		if reply.snapshot != nil {
			children = append(children, wabinary.Node{Tag: "snapshot", Content: reply.snapshot.Marshal()})
		}
		var patchNodes []wabinary.Node
		for _, p := range reply.patches {
			patchNodes = append(patchNodes, wabinary.Node{Tag: "patch", Content: p.Marshal()})
		}
		if reply.rawPatch != nil {
			patchNodes = append(patchNodes, wabinary.Node{Tag: "patch", Content: reply.rawPatch})
		}
		if len(patchNodes) > 0 {
			children = append(children, wabinary.Node{Tag: "patches", Content: patchNodes})
		}
		if len(children) > 0 {
			node.Content = children
		}
		colls = append(colls, node)
	}
	s.requests = append(s.requests, seen)
	return []*wabinary.Node{iqResult(req, []wabinary.Node{{Tag: "sync", Content: colls}})}
}

// newSyncEnv is a registered, connected client holding the shared sync
// key, wired to a scripted app state server.
func newSyncEnv(t *testing.T) (*testEnv, *syncFixture, *appStateServer) {
	t.Helper()
	env := newTestClient(t, true)
	fx := newSyncFixture(t)
	fx.install(t, env)
	srv := newAppStateServer()
	env.ft.setRespond(srv.hook)
	env.connect(t)
	env.events.waitState(t, types.StateLoggingIn)
	return env, fx, srv
}

func persistedSyncState(t *testing.T, env *testEnv, name appstate.Collection) appstate.HashState {
	t.Helper()
	got, err := env.keys.Get(store.NSAppStateSyncVersion, []string{string(name)})
	require.NoError(t, err)
	blob, ok := got[string(name)]
	require.True(t, ok, "no %s sync state persisted", name)
	var state appstate.HashState
	require.NoError(t, cbor.Unmarshal(blob, &state))
	return state
}

func TestResyncAppStateSnapshotAndPatches(t *testing.T) {
	env, fx, srv := newSyncEnv(t)
	chatA := types.NewJID("16660001111", types.DefaultUserServer)
	chatB := types.NewJID("17770002222", types.DefaultUserServer)

	ss, state := fx.snapshot(t, 123,
		appstate.BuildPin(chatA, true),
		appstate.BuildArchive(chatB, true, time.Unix(1699999000, 0)))
	p1, state := fx.patch(t, state, appstate.BuildMarkChatAsRead(chatA, true, time.Unix(1699999500, 0)))
	p2, _ := fx.patch(t, state, appstate.BuildStar(chatA, "3EB0AAAA11112222", true, true))
	srv.queue(appstate.CollectionRegularLow, syncReply{snapshot: ss, patches: []*waproto.SyncdPatch{p1, p2}})

	require.NoError(t, env.c.ResyncAppState(context.Background(), appstate.CollectionRegularLow))

	req := srv.request(t, 0, appstate.CollectionRegularLow)
	assert.Equal(t, "0", req.version)
	assert.Equal(t, "true", req.returnSnapshot)

	// Mutations arrive in decode order: snapshot entries, then patches.
	cu := env.events.next(t).(*event.ChatsUpdate)
	require.Len(t, cu.Chats, 1)
	assert.Equal(t, chatA, cu.Chats[0].JID)
	require.NotNil(t, cu.Chats[0].Pinned)
	assert.True(t, *cu.Chats[0].Pinned)

	cu = env.events.next(t).(*event.ChatsUpdate)
	require.Len(t, cu.Chats, 1)
	assert.Equal(t, chatB, cu.Chats[0].JID)
	require.NotNil(t, cu.Chats[0].Archived)
	assert.True(t, *cu.Chats[0].Archived)

	cu = env.events.next(t).(*event.ChatsUpdate)
	require.Len(t, cu.Chats, 1)
	assert.Equal(t, chatA, cu.Chats[0].JID)
	require.NotNil(t, cu.Chats[0].MarkedRead)
	assert.True(t, *cu.Chats[0].MarkedRead)

	star := env.events.next(t).(*event.MessagesStar)
	assert.Equal(t, chatA, star.Chat)
	assert.Equal(t, []types.MessageID{"3EB0AAAA11112222"}, star.IDs)
	assert.True(t, star.Starred)

	done := env.events.next(t).(*event.AppStateSyncComplete)
	assert.Equal(t, "regular_low", done.Collection)
	assert.Equal(t, uint64(125), done.Version)
	env.events.quiet(t)

	assert.Equal(t, uint64(125), persistedSyncState(t, env, appstate.CollectionRegularLow).Version)

	// Already current: the next cycle asks from the stored version and
	// the empty reply only re-announces completion.
	require.NoError(t, env.c.ResyncAppState(context.Background(), appstate.CollectionRegularLow))
	req = srv.request(t, 1, appstate.CollectionRegularLow)
	assert.Equal(t, "125", req.version)
	assert.Equal(t, "false", req.returnSnapshot)

	done = env.events.next(t).(*event.AppStateSyncComplete)
	assert.Equal(t, "regular_low", done.Collection)
	assert.Equal(t, uint64(125), done.Version)
	env.events.quiet(t)
}

func TestResyncAppStateFetchesUntilNoMorePatches(t *testing.T) {
	env, fx, srv := newSyncEnv(t)
	chat := types.NewJID("16660001111", types.DefaultUserServer)

	p1, state := fx.patch(t, appstate.NewHashState(), appstate.BuildPin(chat, true))
	p2, _ := fx.patch(t, state, appstate.BuildPin(chat, false))
	srv.queue(appstate.CollectionRegularLow,
		syncReply{patches: []*waproto.SyncdPatch{p1}, hasMore: true},
		syncReply{patches: []*waproto.SyncdPatch{p2}})

	require.NoError(t, env.c.ResyncAppState(context.Background(), appstate.CollectionRegularLow))

	require.Equal(t, 2, srv.requestCount())
	assert.Equal(t, "0", srv.request(t, 0, appstate.CollectionRegularLow).version)
	second := srv.request(t, 1, appstate.CollectionRegularLow)
	assert.Equal(t, "1", second.version)
	assert.Equal(t, "false", second.returnSnapshot)

	// Both patches touch the same entry; only the final value is
	// dispatched.
	cu := env.events.next(t).(*event.ChatsUpdate)
	require.Len(t, cu.Chats, 1)
	require.NotNil(t, cu.Chats[0].Pinned)
	assert.False(t, *cu.Chats[0].Pinned)

	done := env.events.next(t).(*event.AppStateSyncComplete)
	assert.Equal(t, uint64(2), done.Version)
	env.events.quiet(t)

	assert.Equal(t, uint64(2), persistedSyncState(t, env, appstate.CollectionRegularLow).Version)
}

func TestResyncAppStateWipesAndRefetchesOnBadSnapshot(t *testing.T) {
	env, fx, srv := newSyncEnv(t)
	chat := types.NewJID("16660001111", types.DefaultUserServer)

	ss, _ := fx.snapshot(t, 40, appstate.BuildPin(chat, true))
	bad := *ss
	bad.MAC = append([]byte(nil), ss.MAC...)
	bad.MAC[0] ^= 0xFF
	srv.queue(appstate.CollectionRegularLow, syncReply{snapshot: &bad}, syncReply{snapshot: ss})

	require.NoError(t, env.c.ResyncAppState(context.Background(), appstate.CollectionRegularLow))

	// The failed state was discarded, so the retry starts over from a
	// snapshot.
	require.Equal(t, 2, srv.requestCount())
	for i := 0; i < 2; i++ {
		req := srv.request(t, i, appstate.CollectionRegularLow)
		assert.Equal(t, "0", req.version)
		assert.Equal(t, "true", req.returnSnapshot)
	}

	cu := env.events.next(t).(*event.ChatsUpdate)
	require.Len(t, cu.Chats, 1)
	assert.Equal(t, chat, cu.Chats[0].JID)

	done := env.events.next(t).(*event.AppStateSyncComplete)
	assert.Equal(t, uint64(40), done.Version)
	env.events.quiet(t)

	assert.Equal(t, uint64(40), persistedSyncState(t, env, appstate.CollectionRegularLow).Version)
}

func TestResyncAppStateAbandonsUnverifiableCollection(t *testing.T) {
	env, fx, srv := newSyncEnv(t)
	chatA := types.NewJID("16660001111", types.DefaultUserServer)
	chatB := types.NewJID("17770002222", types.DefaultUserServer)

	ss, _ := fx.snapshot(t, 7, appstate.BuildPin(chatA, true))
	bad := *ss
	bad.MAC = append([]byte(nil), ss.MAC...)
	bad.MAC[0] ^= 0xFF
	srv.queue(appstate.CollectionRegularLow, syncReply{snapshot: &bad}, syncReply{snapshot: &bad})

	pm, _ := fx.patch(t, appstate.NewHashState(), appstate.BuildMute(chatB, true, 0))
	srv.queue(appstate.CollectionRegularHigh, syncReply{patches: []*waproto.SyncdPatch{pm}})

	require.NoError(t, env.c.ResyncAppState(context.Background(),
		appstate.CollectionRegularLow, appstate.CollectionRegularHigh))

	// The second pass retries only the failing collection, then gives up.
	require.Equal(t, 2, srv.requestCount())
	assert.True(t, srv.requested(0, appstate.CollectionRegularHigh))
	assert.False(t, srv.requested(1, appstate.CollectionRegularHigh))
	assert.True(t, srv.requested(1, appstate.CollectionRegularLow))

	cu := env.events.next(t).(*event.ChatsUpdate)
	require.Len(t, cu.Chats, 1)
	assert.Equal(t, chatB, cu.Chats[0].JID)
	require.NotNil(t, cu.Chats[0].Muted)
	assert.True(t, *cu.Chats[0].Muted)
	assert.Nil(t, cu.Chats[0].MuteEndTime)

	// The healthy collection completes; the abandoned one stays silent.
	done := env.events.next(t).(*event.AppStateSyncComplete)
	assert.Equal(t, "regular_high", done.Collection)
	assert.Equal(t, uint64(1), done.Version)
	env.events.quiet(t)

	assert.Equal(t, uint64(1), persistedSyncState(t, env, appstate.CollectionRegularHigh).Version)
	got, err := env.keys.Get(store.NSAppStateSyncVersion, []string{string(appstate.CollectionRegularLow)})
	require.NoError(t, err)
	assert.Empty(t, got[string(appstate.CollectionRegularLow)])
}

func TestResyncAppStateAbandonsOnMissingKey(t *testing.T) {
	env, _, srv := newSyncEnv(t)
	chat := types.NewJID("16660001111", types.DefaultUserServer)

	// Patches under a key this device never received cannot become
	// decodable by refetching, so one attempt is enough.
	foreign := newSyncFixtureKey(t, []byte{0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE}, bytes.Repeat([]byte{0x77}, 32))
	p, _ := foreign.patch(t, appstate.NewHashState(), appstate.BuildPin(chat, true))
	srv.queue(appstate.CollectionRegularLow, syncReply{patches: []*waproto.SyncdPatch{p}})

	require.NoError(t, env.c.ResyncAppState(context.Background(), appstate.CollectionRegularLow))

	assert.Equal(t, 1, srv.requestCount())
	env.events.quiet(t)
}

func TestResyncAppStateAbandonsUndecodablePayload(t *testing.T) {
	env, _, srv := newSyncEnv(t)
	srv.queue(appstate.CollectionRegularLow, syncReply{rawPatch: []byte{0xFF, 0xFF, 0xFF, 0xFF}})

	require.NoError(t, env.c.ResyncAppState(context.Background(), appstate.CollectionRegularLow))

	assert.Equal(t, 1, srv.requestCount())
	env.events.quiet(t)
}

func TestSendAppStateGuards(t *testing.T) {
	chat := types.NewJID("16660001111", types.DefaultUserServer)
	ctx := context.Background()

	unreg := newTestClient(t, false)
	assert.ErrorIs(t, unreg.c.SendAppState(ctx, appstate.BuildPin(chat, true)), types.ErrNotLoggedIn)

	env := newTestClient(t, true)
	assert.ErrorIs(t, env.c.SendAppState(ctx, appstate.BuildPin(chat, true)), types.ErrAppStateKeyMissing)

	// Nothing to publish is a no-op; no connection is needed.
	fx := newSyncFixture(t)
	fx.install(t, env)
	require.NoError(t, env.c.SendAppState(ctx, appstate.PatchInfo{Type: appstate.CollectionRegularLow}))
}

func TestSendAppStatePublishesOnTopOfServerState(t *testing.T) {
	env, fx, srv := newSyncEnv(t)
	chatA := types.NewJID("16660001111", types.DefaultUserServer)
	chatB := types.NewJID("17770002222", types.DefaultUserServer)

	// Another device pinned chatB; the publish must apply on top of it.
	p1, state1 := fx.patch(t, appstate.NewHashState(), appstate.BuildPin(chatB, true))
	srv.queue(appstate.CollectionRegularLow, syncReply{patches: []*waproto.SyncdPatch{p1}})

	require.NoError(t, env.c.SendAppState(context.Background(), appstate.BuildPin(chatA, true)))

	require.Equal(t, 2, srv.requestCount())
	pre := srv.request(t, 0, appstate.CollectionRegularLow)
	assert.Equal(t, "0", pre.version)
	assert.Equal(t, "true", pre.returnSnapshot)
	assert.Nil(t, pre.patch)

	pub := srv.request(t, 1, appstate.CollectionRegularLow)
	assert.Equal(t, "1", pub.version)
	assert.Equal(t, "false", pub.returnSnapshot)
	require.NotNil(t, pub.patch)

	sent, err := waproto.ParseSyncdPatch(pub.patch)
	require.NoError(t, err)
	assert.Zero(t, sent.Version)
	assert.Equal(t, fx.keyID, sent.KeyID)
	require.Len(t, sent.Mutations, 1)

	// The published patch verifies under the shared key at the version
	// the server would assign.
	versioned := *sent
	versioned.Version = 2
	_, muts, err := fx.proc.DecodePatches(appstate.CollectionRegularLow,
		[]*waproto.SyncdPatch{&versioned}, state1, state1.Version, true)
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Equal(t, []string{appstate.IndexPin, chatA.String()}, muts[0].Index)

	// Pre-sync results first, then the own patch replayed locally.
	cu := env.events.next(t).(*event.ChatsUpdate)
	require.Len(t, cu.Chats, 1)
	assert.Equal(t, chatB, cu.Chats[0].JID)
	require.NotNil(t, cu.Chats[0].Pinned)
	assert.True(t, *cu.Chats[0].Pinned)

	done := env.events.next(t).(*event.AppStateSyncComplete)
	assert.Equal(t, "regular_low", done.Collection)
	assert.Equal(t, uint64(1), done.Version)

	cu = env.events.next(t).(*event.ChatsUpdate)
	require.Len(t, cu.Chats, 1)
	assert.Equal(t, chatA, cu.Chats[0].JID)
	require.NotNil(t, cu.Chats[0].Pinned)
	assert.True(t, *cu.Chats[0].Pinned)
	env.events.quiet(t)

	assert.Equal(t, uint64(2), persistedSyncState(t, env, appstate.CollectionRegularLow).Version)
}

func TestAppStateMutationDispatch(t *testing.T) {
	env := newTestClient(t, true)
	chat := types.NewJID("16660001111", types.DefaultUserServer)
	mutation := func(action *waproto.SyncActionValue, index ...string) appstate.Mutation {
		return appstate.Mutation{Operation: waproto.SyncdSet, Action: action, Index: index}
	}

	env.c.dispatchMutation(mutation(&waproto.SyncActionValue{
		Mute: &waproto.MuteAction{Muted: true, MuteEndTimestamp: 1700005000000},
	}, appstate.IndexMute, chat.String()))
	cu := env.events.next(t).(*event.ChatsUpdate)
	require.Len(t, cu.Chats, 1)
	assert.Equal(t, chat, cu.Chats[0].JID)
	require.NotNil(t, cu.Chats[0].Muted)
	assert.True(t, *cu.Chats[0].Muted)
	require.NotNil(t, cu.Chats[0].MuteEndTime)
	assert.Equal(t, time.UnixMilli(1700005000000), *cu.Chats[0].MuteEndTime)

	env.c.dispatchMutation(mutation(&waproto.SyncActionValue{
		ClearChat: &waproto.ClearChatAction{},
	}, appstate.IndexClearChat, chat.String()))
	cu = env.events.next(t).(*event.ChatsUpdate)
	require.Len(t, cu.Chats, 1)
	require.NotNil(t, cu.Chats[0].Cleared)
	assert.True(t, *cu.Chats[0].Cleared)

	env.c.dispatchMutation(mutation(&waproto.SyncActionValue{
		DeleteChat: &waproto.DeleteChatAction{},
	}, appstate.IndexDeleteChat, chat.String(), "1"))
	del := env.events.next(t).(*event.ChatsDelete)
	assert.Equal(t, []types.JID{chat}, del.JIDs)

	env.c.dispatchMutation(mutation(&waproto.SyncActionValue{
		Contact: &waproto.ContactAction{FullName: "Ada Lovelace"},
	}, appstate.IndexContact, chat.String()))
	contacts := env.events.next(t).(*event.ContactsUpdate)
	require.Len(t, contacts.Contacts, 1)
	assert.Equal(t, chat, contacts.Contacts[0].JID)
	require.NotNil(t, contacts.Contacts[0].FullName)
	assert.Equal(t, "Ada Lovelace", *contacts.Contacts[0].FullName)

	env.c.dispatchMutation(mutation(&waproto.SyncActionValue{
		DeleteMessageForMe: &waproto.DeleteMessageForMeAction{MessageTimestamp: 1700000000},
	}, appstate.IndexDeleteMessageForMe, chat.String(), "3EB0GONE", "0", "0"))
	md := env.events.next(t).(*event.MessagesDelete)
	assert.Equal(t, chat, md.Chat)
	assert.Equal(t, []types.MessageID{"3EB0GONE"}, md.IDs)
	assert.True(t, md.ForMe)

	// A new push name lands in the creds; repeating it changes nothing.
	env.c.dispatchMutation(mutation(&waproto.SyncActionValue{
		PushName: &waproto.PushNameSetting{Name: "fresh name"},
	}, appstate.IndexSettingPushName))
	_ = env.events.next(t).(*event.CredsUpdate)
	assert.Equal(t, "fresh name", env.creds.PushName)
	env.c.dispatchMutation(mutation(&waproto.SyncActionValue{
		PushName: &waproto.PushNameSetting{Name: "fresh name"},
	}, appstate.IndexSettingPushName))
	env.events.quiet(t)

	env.c.dispatchMutation(mutation(&waproto.SyncActionValue{
		UnarchiveChats: &waproto.UnarchiveChatsSetting{UnarchiveChats: true},
	}, appstate.IndexSettingUnarchiveChat))
	_ = env.events.next(t).(*event.CredsUpdate)
	assert.True(t, env.creds.UnarchiveChats)

	// Removals arrive without action fields and stay internal.
	env.c.dispatchMutation(appstate.Mutation{
		Operation: waproto.SyncdRemove,
		Index:     []string{appstate.IndexPin, chat.String()},
	})
	env.events.quiet(t)

	env.c.dispatchMutation(mutation(&waproto.SyncActionValue{}, "time_format", chat.String()))
	env.events.quiet(t)
}

func TestInitialSyncBuffersEventsUntilKeyShare(t *testing.T) {
	env, fr := newRatchetEnv(t)
	srv := newAppStateServer()
	env.ft.setRespond(srv.hook)
	sender := types.NewADJID("16660001111", 0, 2)
	keyID := []byte{0x5A, 0x5A, 0x5A, 0x5A, 0x5A, 0x5A}
	keyData := bytes.Repeat([]byte{0x11}, 32)

	env.ft.deliver(wabinary.Node{
		Tag:     "ib",
		Content: []wabinary.Node{{Tag: "offline", Attrs: map[string]string{"count": "2"}}},
	})

	notif := &waproto.HistorySyncNotification{
		SyncType:   waproto.HistorySyncInitialBootstrap,
		DirectPath: "/v/t62-history",
		FileLength: 4096,
		FileSHA256: bytes.Repeat([]byte{0xAB}, 32),
	}
	fr.seedInbox(sender, padMessage((&waproto.Message{
		ProtocolMessage: &waproto.ProtocolMessage{
			Type:                    waproto.ProtoHistorySyncNotify,
			HistorySyncNotification: notif,
		},
	}).Marshal()))
	deliverSealed(env, sender, "1B0001", "msg", nil)
	env.ft.awaitSent(t, sentTag("ack"))

	// Without sync keys everything stays buffered.
	env.events.quiet(t)

	fr.seedInbox(sender, padMessage((&waproto.Message{
		ProtocolMessage: &waproto.ProtocolMessage{
			Type: waproto.ProtoAppStateSyncKeyShare,
			AppStateSyncKeyShare: &waproto.AppStateSyncKeyShare{
				Keys: []*waproto.AppStateSyncKey{{
					KeyID:   &waproto.AppStateSyncKeyID{KeyID: keyID},
					KeyData: &waproto.AppStateSyncKeyData{KeyData: keyData, Timestamp: 1700000050},
				}},
			},
		},
	}).Marshal()))
	deliverSealed(env, sender, "1B0002", "msg", nil)

	// The deferred initial sync fires: one query covering every
	// collection, from scratch.
	iq := env.ft.awaitSent(t, sentIQ("w:sync:app:state"))
	syncNode, ok := iq.GetOptionalChildByTag("sync")
	require.True(t, ok)
	colls := syncNode.GetChildrenByTag("collection")
	require.Len(t, colls, len(appstate.AllCollections))
	for i, coll := range colls {
		assert.Equal(t, string(appstate.AllCollections[i]), coll.Attrs["name"])
		assert.Equal(t, "0", coll.Attrs["version"])
		assert.Equal(t, "true", coll.Attrs["return_snapshot"])
	}

	// The buffer flushes in arrival order, with the two upserts
	// coalesced and only the final creds snapshot kept.
	cu := env.events.next(t).(*event.ConnectionUpdate)
	assert.True(t, cu.ReceivedPendingNotifications)

	up := env.events.next(t).(*event.MessagesUpsert)
	require.Len(t, up.Messages, 2)
	assert.Equal(t, "1B0001", up.Messages[0].Info.ID)
	assert.Equal(t, "1B0002", up.Messages[1].Info.ID)

	hs := env.events.next(t).(*event.HistorySync)
	assert.Equal(t, notif.Marshal(), hs.Data)

	_ = env.events.next(t).(*event.CredsUpdate)
	assert.Equal(t, keyID, env.creds.MyAppStateKeyID)
	assert.Equal(t, uint32(1), env.creds.AccountSyncCounter)
	assert.Equal(t, env.clock.Now().Unix(), env.creds.LastAccountSyncTimestamp)

	for _, name := range appstate.AllCollections {
		done := env.events.next(t).(*event.AppStateSyncComplete)
		assert.Equal(t, string(name), done.Collection)
		assert.Equal(t, uint64(0), done.Version)
	}
	env.events.quiet(t)

	// The shared key is durably stored.
	got, err := env.keys.Get(store.NSAppStateSyncKey, []string{appStateKeyStoreID(keyID)})
	require.NoError(t, err)
	var rec appStateKeyRecord
	require.NoError(t, cbor.Unmarshal(got[appStateKeyStoreID(keyID)], &rec))
	assert.Equal(t, keyData, rec.KeyData)
	assert.Equal(t, int64(1700000050), rec.Timestamp)

	// Later offline markers pass straight through.
	env.ft.deliver(wabinary.Node{
		Tag:     "ib",
		Content: []wabinary.Node{{Tag: "offline", Attrs: map[string]string{"count": "0"}}},
	})
	env.events.waitFor(t, func(ev event.Event) bool {
		c, ok := ev.(*event.ConnectionUpdate)
		return ok && c.ReceivedPendingNotifications
	})
}

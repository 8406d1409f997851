// message.go - inbound message decryption and processing.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/haven-im/wamd/event"
	"github.com/haven-im/wamd/signal"
	"github.com/haven-im/wamd/store"
	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/wabinary"
	"github.com/haven-im/wamd/waproto"
)

// maxDecryptRetries bounds how often we ask for a re-send of the same
// message before giving up on it.
const maxDecryptRetries = 5

// processableHistorySyncs are the history sync kinds a companion acts
// on. Status and non-blocking payloads are dropped.
var processableHistorySyncs = map[waproto.HistorySyncType]bool{
	waproto.HistorySyncInitialBootstrap: true,
	waproto.HistorySyncFull:             true,
	waproto.HistorySyncRecent:           true,
	waproto.HistorySyncPushName:         true,
	waproto.HistorySyncOnDemand:         true,
}

// parseMessageSource derives chat/sender/ownership from stanza
// addressing.
func (c *Client) parseMessageSource(node *wabinary.Node) (types.MessageSource, error) {
	var source types.MessageSource
	p := node.AttrParser()
	from := p.JID("from")
	switch {
	case from.IsGroup() || from.IsBroadcastList():
		source.IsGroup = true
		source.Chat = from
		source.Sender = p.JID("participant")
		if c.creds.Me != nil && source.Sender.User == c.creds.Me.User {
			source.IsFromMe = true
		}
	case c.creds.Me != nil && from.User == c.creds.Me.User:
		source.IsFromMe = true
		source.Sender = from
		source.Chat = from.ToNonAD()
		if recipient := p.OptionalJID("recipient"); recipient != nil {
			source.Chat = recipient.ToNonAD()
		}
	default:
		source.Chat = from.ToNonAD()
		source.Sender = from
	}
	return source, p.Error()
}

func (c *Client) parseMessageInfo(node *wabinary.Node) (*types.MessageInfo, error) {
	source, err := c.parseMessageSource(node)
	if err != nil {
		return nil, err
	}
	p := node.AttrParser()
	info := &types.MessageInfo{
		MessageSource: source,
		ID:            p.String("id"),
		Timestamp:     p.UnixTime("t"),
		PushName:      p.OptionalString("notify"),
		Type:          p.OptionalString("type"),
		Category:      p.OptionalString("category"),
	}
	return info, p.Error()
}

// handleEncryptedMessage decrypts every enc child of a message stanza
// and processes the plaintexts. Runs on the processing worker, so
// effects land in wire order.
func (c *Client) handleEncryptedMessage(node *wabinary.Node) {
	defer c.sendStanzaAck(node)

	info, err := c.parseMessageInfo(node)
	if err != nil {
		c.log.Warningf("dropping malformed message stanza: %v", err)
		return
	}
	if c.signal == nil {
		// Transport-only client: acknowledge and move on, the payload
		// stays sealed. No retry receipt either, a re-send would fail
		// the same way.
		c.log.Debugf("no ratchet configured, leaving %s from %s sealed", info.ID, info.Sender)
		return
	}
	ctx := context.Background()

	decrypted := 0
	for _, child := range node.GetChildren() {
		if child.Tag != "enc" {
			continue
		}
		ct := &signal.Ciphertext{
			Type: signal.CiphertextType(child.Attrs["type"]),
			Data: child.ContentBytes(),
		}
		var plaintext []byte
		switch ct.Type {
		case signal.CiphertextPreKey, signal.CiphertextMessage:
			plaintext, err = c.signal.DecryptMessage(ctx, info.Sender, ct)
		case signal.CiphertextSenderKey:
			plaintext, err = c.signal.DecryptGroupMessage(ctx, info.Chat, info.Sender, ct.Data)
		default:
			c.log.Warningf("unknown enc type %q in %s", ct.Type, info.ID)
			continue
		}
		if err != nil {
			c.log.Warningf("failed to decrypt %s %s from %s: %v", ct.Type, info.ID, info.Sender, err)
			c.sendRetryReceipt(node, info)
			continue
		}
		plaintext, err = unpadMessage(plaintext)
		if err != nil {
			c.log.Warningf("bad padding in %s from %s: %v", info.ID, info.Sender, err)
			continue
		}
		msg, perr := waproto.ParseMessage(plaintext)
		if perr != nil {
			c.log.Warningf("undecodable plaintext in %s from %s: %v", info.ID, info.Sender, perr)
			continue
		}
		c.processMessage(ctx, info, msg)
		decrypted++
	}
	if decrypted > 0 {
		c.clearRetryCount(info.ID)
		c.sendMessageReceipt(info)
	}
}

// processMessage is the upsert pipeline for one decrypted message: the
// upsert event goes out first, then push name effects, then the
// protocol side effects (revokes, history sync, key shares).
func (c *Client) processMessage(ctx context.Context, info *types.MessageInfo, msg *waproto.Message) {
	if skdm := msg.SenderKeyDistributionMessage; skdm != nil {
		c.installSenderKey(ctx, info, skdm)
	}
	if dsm := msg.DeviceSentMessage; dsm != nil {
		// Own-device copy: the real chat is the wrapped destination.
		if jid, err := types.ParseJID(dsm.DestinationJID); err == nil {
			info.Chat = jid.ToNonAD()
		}
		msg = msg.Unwrap()
	}

	c.bus.Emit(&event.MessagesUpsert{
		Type: event.UpsertNotify,
		Messages: []event.UpsertMessage{{
			Info:      *info,
			Plaintext: msg.Marshal(),
		}},
	})
	c.applyPushName(info)

	switch {
	case msg.ProtocolMessage != nil:
		c.handleProtocolMessage(info, msg.ProtocolMessage)
	case msg.ReactionMessage != nil:
		c.handleReactionMessage(info, msg.ReactionMessage)
	}
}

// applyPushName folds the push name attached to a message into contact
// state: other senders surface as contact updates, the own name lands
// in the creds.
func (c *Client) applyPushName(info *types.MessageInfo) {
	if info.PushName == "" {
		return
	}
	if info.IsFromMe {
		if info.PushName != c.creds.PushName {
			c.creds.PushName = info.PushName
			c.emitCredsUpdate()
		}
		return
	}
	name := info.PushName
	c.bus.Emit(&event.ContactsUpdate{
		Contacts: []types.ContactUpdate{{
			JID:      info.Sender.ToNonAD(),
			PushName: &name,
		}},
	})
}

func (c *Client) installSenderKey(ctx context.Context, info *types.MessageInfo, skdm *waproto.SenderKeyDistributionMessage) {
	group, err := types.ParseJID(skdm.GroupID)
	if err != nil {
		c.log.Warningf("sender key from %s names bad group %q", info.Sender, skdm.GroupID)
		return
	}
	err = c.signal.ProcessSenderKeyDistribution(ctx, group, info.Sender, skdm.AxolotlSenderKeyDistributionMessage)
	if err != nil {
		c.log.Warningf("failed to install sender key for %s from %s: %v", group, info.Sender, err)
	}
}

func (c *Client) handleProtocolMessage(info *types.MessageInfo, pm *waproto.ProtocolMessage) {
	switch pm.Type {
	case waproto.ProtoRevoke:
		if pm.Key == nil {
			return
		}
		c.bus.Emit(&event.MessagesDelete{
			Chat:  info.Chat,
			IDs:   []types.MessageID{pm.Key.ID},
			ForMe: false,
		})
	case waproto.ProtoHistorySyncNotify:
		c.handleHistorySyncNotification(pm.HistorySyncNotification)
	case waproto.ProtoAppStateSyncKeyShare:
		c.handleAppStateSyncKeyShare(pm.AppStateSyncKeyShare)
	case waproto.ProtoAppStateSyncKeyRequest:
		// Only primaries answer key requests.
		c.log.Debugf("ignoring app state key request from %s", info.Sender)
	default:
		c.log.Debugf("ignoring %s from %s", pm.Type, info.Sender)
	}
}

// handleHistorySyncNotification surfaces the history blob reference and
// drives the one-time initial app state sync. Without sync keys the
// sync is deferred until a key share arrives.
func (c *Client) handleHistorySyncNotification(notif *waproto.HistorySyncNotification) {
	if notif == nil {
		return
	}
	if !processableHistorySyncs[notif.SyncType] {
		c.log.Debugf("skipping history sync type %d", notif.SyncType)
		return
	}
	if c.cfg.ShouldSyncHistoryMessage != nil && !c.cfg.ShouldSyncHistoryMessage(notif) {
		return
	}
	c.bus.Emit(&event.HistorySync{Data: notif.Marshal()})

	c.appStateLock.Lock()
	if len(c.creds.MyAppStateKeyID) == 0 {
		c.pendingAppStateSync = true
		c.appStateLock.Unlock()
		c.log.Infof("history sync arrived before app state keys, deferring initial sync")
		return
	}
	done := c.initialAppStateSynced
	c.appStateLock.Unlock()
	if !done {
		c.doInitialAppStateSync()
	}
}

// appStateKeyRecord is the stored form of one app state sync key.
type appStateKeyRecord struct {
	KeyData     []byte
	Fingerprint []byte
	Timestamp   int64
}

// handleAppStateSyncKeyShare persists shared sync keys and retries any
// app state sync that previously stalled on a missing key.
func (c *Client) handleAppStateSyncKeyShare(share *waproto.AppStateSyncKeyShare) {
	if share == nil || len(share.Keys) == 0 {
		return
	}
	var lastKeyID []byte
	values := make(map[string][]byte, len(share.Keys))
	for _, key := range share.Keys {
		if key.KeyID == nil || len(key.KeyID.KeyID) == 0 || key.KeyData == nil {
			continue
		}
		blob, err := cbor.Marshal(&appStateKeyRecord{
			KeyData:     key.KeyData.KeyData,
			Fingerprint: key.KeyData.Fingerprint,
			Timestamp:   key.KeyData.Timestamp,
		})
		if err != nil {
			c.log.Errorf("cannot serialize shared sync key: %v", err)
			continue
		}
		values[appStateKeyStoreID(key.KeyID.KeyID)] = blob
		lastKeyID = key.KeyID.KeyID
	}
	if len(values) == 0 {
		return
	}
	if err := c.retryTransaction(func(tx storeTx) error {
		return tx.Set(store.NSAppStateSyncKey, values)
	}); err != nil {
		c.log.Errorf("failed to store %d shared sync keys: %v", len(values), err)
		return
	}
	c.log.Infof("stored %d shared app state sync keys", len(values))

	c.creds.MyAppStateKeyID = lastKeyID
	c.emitCredsUpdate()
	c.retryPendingAppStateSync()
}

func appStateKeyStoreID(keyID []byte) string {
	return base64.RawStdEncoding.EncodeToString(keyID)
}

func (c *Client) handleReactionMessage(info *types.MessageInfo, rm *waproto.ReactionMessage) {
	if rm.Key == nil {
		return
	}
	ts := info.Timestamp
	if rm.SenderTimestampMS != 0 {
		ts = time.UnixMilli(rm.SenderTimestampMS)
	}
	c.bus.Emit(&event.MessagesReaction{
		Chat:      info.Chat,
		Sender:    info.Sender,
		TargetID:  rm.Key.ID,
		Text:      rm.Text,
		Timestamp: ts,
	})
}

// sendRetryReceipt asks the sender to re-encrypt a message we could not
// decrypt. The count escalates per message id so both sides can give
// up.
func (c *Client) sendRetryReceipt(node *wabinary.Node, info *types.MessageInfo) {
	count := c.bumpRetryCount(info.ID)
	if count > maxDecryptRetries {
		c.log.Warningf("giving up on %s after %d retry requests", info.ID, count-1)
		return
	}

	registration := make([]byte, 4)
	binary.BigEndian.PutUint32(registration, c.creds.RegistrationID)

	receipt := wabinary.Node{
		Tag: "receipt",
		Attrs: map[string]string{
			"id":   info.ID,
			"type": "retry",
			"to":   node.Attrs["from"],
		},
		Content: []wabinary.Node{
			{Tag: "retry", Attrs: map[string]string{
				"count": strconv.Itoa(count),
				"id":    info.ID,
				"t":     node.Attrs["t"],
				"v":     "1",
			}},
			{Tag: "registration", Content: registration},
		},
	}
	if participant, ok := node.Attrs["participant"]; ok {
		receipt.Attrs["participant"] = participant
	}
	if recipient, ok := node.Attrs["recipient"]; ok {
		receipt.Attrs["recipient"] = recipient
	}
	if count > 1 {
		// Repeated failures suggest the sender's session for us is
		// broken; hand out fresh key material so it can rebuild.
		keys, err := c.retryKeysNode()
		if err != nil {
			c.log.Warningf("cannot attach keys to retry receipt: %v", err)
		} else {
			receipt.Content = append(receipt.Content.([]wabinary.Node), *keys)
		}
	}
	if err := c.SendNode(receipt); err != nil {
		c.log.Warningf("failed to send retry receipt for %s: %v", info.ID, err)
	}
}

// retryKeysNode bundles identity, signed pre-key and one fresh one-time
// pre-key for a session rebuild.
func (c *Client) retryKeysNode() (*wabinary.Node, error) {
	var preKeys []signal.PreKey
	err := c.retryTransaction(func(tx storeTx) error {
		var err error
		preKeys, err = signal.GenerateOrGetPreKeys(tx, c.creds, 1)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.emitCredsUpdate()
	node := &wabinary.Node{
		Tag: "keys",
		Content: []wabinary.Node{
			{Tag: "type", Content: []byte{store.KeyBundleType}},
			{Tag: "identity", Content: c.creds.SignedIdentityKey.Public},
			preKeyNode(preKeys[0].ID, preKeys[0].KeyPair.Public),
			signedPreKeyNode(&c.creds.SignedPreKey),
			c.deviceIdentityNode(),
		},
	}
	return node, nil
}

func (c *Client) bumpRetryCount(id types.MessageID) int {
	c.retryLock.Lock()
	defer c.retryLock.Unlock()
	c.retryCounts[id]++
	return c.retryCounts[id]
}

func (c *Client) clearRetryCount(id types.MessageID) {
	c.retryLock.Lock()
	defer c.retryLock.Unlock()
	delete(c.retryCounts, id)
}

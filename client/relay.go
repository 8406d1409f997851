// relay.go - outbound message encryption and fanout.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"

	"github.com/haven-im/wamd/event"
	"github.com/haven-im/wamd/signal"
	"github.com/haven-im/wamd/store"
	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/wabinary"
	"github.com/haven-im/wamd/waproto"
)

// SendMessageOpts tunes RelayMessage beyond the defaults SendMessage
// uses.
type SendMessageOpts struct {
	// MessageID reuses an existing id instead of generating one.
	MessageID types.MessageID

	// Participant restricts the fanout to one device. Used to service
	// retry receipts; the rest of the conversation is left alone.
	Participant *types.JID

	// AdditionalAttrs are merged onto the message stanza, e.g. the edit
	// attribute for revokes.
	AdditionalAttrs map[string]string
}

// SendResponse reports the outcome of a send.
type SendResponse struct {
	ID        types.MessageID
	Timestamp time.Time
}

// GenerateMessageID returns a fresh client-chosen message id.
func (c *Client) GenerateMessageID() types.MessageID {
	id := make([]byte, 8)
	if _, err := rand.Reader.Read(id); err != nil {
		panic(err)
	}
	return "3EB0" + strings.ToUpper(hex.EncodeToString(id))
}

// SendMessage encrypts and sends a message to a user or group chat.
func (c *Client) SendMessage(ctx context.Context, to types.JID, message *waproto.Message) (SendResponse, error) {
	return c.RelayMessage(ctx, to, message, nil)
}

// RelayMessage is the full-control send: it encrypts message for every
// recipient device and puts the assembled stanza on the wire. Delivery
// confirmation arrives asynchronously as a receipt event.
func (c *Client) RelayMessage(ctx context.Context, to types.JID, message *waproto.Message, opts *SendMessageOpts) (SendResponse, error) {
	if !c.creds.Registered() {
		return SendResponse{}, types.ErrNotLoggedIn
	}
	if c.signal == nil {
		return SendResponse{}, errors.New("client: no ratchet configured")
	}
	if message == nil {
		return SendResponse{}, errors.New("client: nil message")
	}
	if opts == nil {
		opts = &SendMessageOpts{}
	}
	id := opts.MessageID
	if id == "" {
		id = c.GenerateMessageID()
	}
	resp := SendResponse{ID: id, Timestamp: c.clock.Now()}

	var stanza *wabinary.Node
	var err error
	switch to.Server {
	case types.GroupServer, types.BroadcastServer:
		stanza, err = c.buildGroupStanza(ctx, to, id, message, opts)
	case types.DefaultUserServer, types.HiddenUserServer:
		stanza, err = c.buildDirectStanza(ctx, to, id, message, opts)
	default:
		err = fmt.Errorf("client: cannot send to %s", to.Server)
	}
	if err != nil {
		return resp, err
	}
	for k, v := range opts.AdditionalAttrs {
		stanza.Attrs[k] = v
	}

	// Delivery is reported through receipts; there is no ack to wait
	// for here.
	if err = c.SendNode(*stanza); err != nil {
		return resp, err
	}

	if c.cfg.EmitOwnEvents && opts.Participant == nil {
		c.emitOwnMessage(to, id, message, resp.Timestamp)
	}
	return resp, nil
}

// emitOwnMessage reflects a successfully sent message back through the
// event stream so consumers see their own sends in order.
func (c *Client) emitOwnMessage(to types.JID, id types.MessageID, message *waproto.Message, ts time.Time) {
	c.bus.Emit(&event.MessagesUpsert{
		Type: event.UpsertAppend,
		Messages: []event.UpsertMessage{{
			Info: types.MessageInfo{
				MessageSource: types.MessageSource{
					Chat:     to.ToNonAD(),
					Sender:   *c.creds.Me,
					IsFromMe: true,
					IsGroup:  to.IsGroup() || to.IsBroadcastList(),
				},
				ID:        id,
				PushName:  c.creds.PushName,
				Timestamp: ts,
			},
			Plaintext: message.Marshal(),
		}},
	})
}

// buildDirectStanza encrypts a message for every device of a 1:1 chat:
// the recipient's devices get the message itself, the own companions a
// device-sent wrapper naming the destination.
func (c *Client) buildDirectStanza(ctx context.Context, to types.JID, id types.MessageID, message *waproto.Message, opts *SendMessageOpts) (*wabinary.Node, error) {
	ownID := *c.creds.Me
	plaintext := padMessage(message.Marshal())
	dsm := padMessage((&waproto.Message{
		DeviceSentMessage: &waproto.DeviceSentMessage{
			DestinationJID: to.ToNonAD().String(),
			Message:        message,
		},
	}).Marshal())

	attrs := map[string]string{
		"id":   id,
		"type": messageType(message),
		"to":   to.ToNonAD().String(),
	}

	var devices []types.JID
	if opts.Participant != nil {
		devices = []types.JID{*opts.Participant}
		// Retry service: reach only the asking device, and tell the
		// server not to fan out on its side either.
		attrs["device_fanout"] = "false"
		if opts.Participant.User == ownID.User {
			attrs["recipient"] = to.ToNonAD().String()
			attrs["to"] = opts.Participant.String()
		} else {
			attrs["to"] = opts.Participant.String()
		}
	} else {
		var err error
		devices, err = c.GetUserDevices(ctx, []types.JID{to.ToNonAD(), ownID.ToNonAD()})
		if err != nil {
			return nil, err
		}
	}

	participants, includeIdentity, err := c.encryptForDevices(ctx, devices, plaintext, dsm)
	if err != nil {
		return nil, err
	}

	content := []wabinary.Node{{Tag: "participants", Content: participants}}
	if biz := bizNode(message); biz != nil {
		content = append(content, *biz)
	}
	if includeIdentity {
		content = append(content, c.deviceIdentityNode())
	}
	return &wabinary.Node{Tag: "message", Attrs: attrs, Content: content}, nil
}

// buildGroupStanza encrypts a message under the group's sender key and
// distributes that key to any member device that does not have it yet.
func (c *Client) buildGroupStanza(ctx context.Context, to types.JID, id types.MessageID, message *waproto.Message, opts *SendMessageOpts) (*wabinary.Node, error) {
	ownID := *c.creds.Me
	plaintext := padMessage(message.Marshal())

	skmsg, distribution, err := c.signal.EncryptGroupMessage(ctx, to, ownID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("client: group encrypt: %w", err)
	}

	attrs := map[string]string{
		"id":   id,
		"type": messageType(message),
		"to":   to.String(),
	}

	var devices []types.JID
	forceKeys := false
	if opts.Participant != nil {
		// The retrying device lost the sender key, whatever the memory
		// says.
		devices = []types.JID{*opts.Participant}
		forceKeys = true
		attrs["participant"] = opts.Participant.String()
	} else {
		info, ierr := c.GetGroupInfo(ctx, to)
		if ierr != nil {
			return nil, ierr
		}
		users := append(info.ParticipantJIDs(), ownID.ToNonAD())
		devices, err = c.GetUserDevices(ctx, users)
		if err != nil {
			return nil, err
		}
	}

	memory, err := c.senderKeyMemory(to)
	if err != nil {
		return nil, err
	}
	var needKeys []types.JID
	for _, jid := range devices {
		if jid == ownID {
			continue
		}
		if forceKeys || !memory[jid.SignalAddress()] {
			needKeys = append(needKeys, jid)
		}
	}

	var content []wabinary.Node
	includeIdentity := false
	if len(needKeys) > 0 {
		skdm := padMessage((&waproto.Message{
			SenderKeyDistributionMessage: &waproto.SenderKeyDistributionMessage{
				GroupID:                             to.String(),
				AxolotlSenderKeyDistributionMessage: distribution,
			},
		}).Marshal())
		participants, withIdentity, perr := c.encryptForDevices(ctx, needKeys, skdm, nil)
		if perr != nil {
			return nil, perr
		}
		includeIdentity = withIdentity
		content = append(content, wabinary.Node{Tag: "participants", Content: participants})
		if err = c.rememberSenderKeys(to, needKeys); err != nil {
			return nil, err
		}
	}
	content = append(content, wabinary.Node{
		Tag:     "enc",
		Attrs:   map[string]string{"v": "2", "type": string(signal.CiphertextSenderKey)},
		Content: skmsg,
	})
	if biz := bizNode(message); biz != nil {
		content = append(content, *biz)
	}
	if includeIdentity {
		content = append(content, c.deviceIdentityNode())
	}
	return &wabinary.Node{Tag: "message", Attrs: attrs, Content: content}, nil
}

// encryptForDevices produces one to{enc} node per device, establishing
// missing sessions first. The own connected device is skipped; other
// own devices receive dsm when it is non-nil. A device that fails to
// encrypt is dropped with a warning rather than blocking the send; it
// recovers through a retry receipt.
func (c *Client) encryptForDevices(ctx context.Context, devices []types.JID, plaintext, dsm []byte) ([]wabinary.Node, bool, error) {
	ownID := *c.creds.Me

	var missing []types.JID
	for _, jid := range devices {
		if jid == ownID {
			continue
		}
		has, err := c.signal.ContainsSession(ctx, jid)
		if err != nil {
			return nil, false, err
		}
		if !has {
			missing = append(missing, jid)
		}
	}
	if len(missing) > 0 {
		if err := c.assertSessions(ctx, missing); err != nil {
			return nil, false, err
		}
	}

	var nodes []wabinary.Node
	includeIdentity := false
	for _, jid := range devices {
		if jid == ownID {
			continue
		}
		payload := plaintext
		if dsm != nil && jid.User == ownID.User {
			payload = dsm
		}
		ct, err := c.signal.EncryptMessage(ctx, jid, payload)
		if err != nil {
			c.log.Warningf("skipping %s: encrypt failed: %v", jid, err)
			continue
		}
		includeIdentity = includeIdentity || ct.Type == signal.CiphertextPreKey
		nodes = append(nodes, wabinary.Node{
			Tag:   "to",
			Attrs: map[string]string{"jid": jid.String()},
			Content: []wabinary.Node{{
				Tag:     "enc",
				Attrs:   map[string]string{"v": "2", "type": string(ct.Type)},
				Content: ct.Data,
			}},
		})
	}
	return nodes, includeIdentity, nil
}

// assertSessions fetches pre-key bundles for the given devices and
// builds outbound sessions from them.
func (c *Client) assertSessions(ctx context.Context, devices []types.JID) error {
	users := make([]wabinary.Node, len(devices))
	for i, jid := range devices {
		users[i] = wabinary.Node{Tag: "user", Attrs: map[string]string{"jid": jid.String()}}
	}
	resp, err := c.sendIQ(ctx, infoQuery{
		Namespace: "encrypt",
		Type:      "get",
		Content:   []wabinary.Node{{Tag: "key", Content: users}},
	})
	if err != nil {
		return fmt.Errorf("client: pre-key fetch: %w", err)
	}

	list := resp.GetChildByTag("list")
	built := 0
	for _, user := range list.GetChildrenByTag("user") {
		jid, jerr := types.ParseJID(user.Attrs["jid"])
		if jerr != nil {
			continue
		}
		bundle, berr := parsePreKeyBundle(&user)
		if berr != nil {
			c.log.Warningf("no usable bundle for %s: %v", jid, berr)
			continue
		}
		if err = c.signal.InjectE2ESession(ctx, jid, bundle); err != nil {
			c.log.Warningf("session build for %s failed: %v", jid, err)
			continue
		}
		built++
	}
	if built == 0 && len(devices) > 0 {
		return fmt.Errorf("client: no sessions could be built for %d devices", len(devices))
	}
	return nil
}

// parsePreKeyBundle decodes one user node of a pre-key fetch reply. Key
// ids travel as big-endian u24.
func parsePreKeyBundle(user *wabinary.Node) (*signal.PreKeyBundle, error) {
	if errNode, ok := user.GetOptionalChildByTag("error"); ok {
		return nil, fmt.Errorf("server error %s", errNode.Attrs["code"])
	}
	reg := user.GetChildByTag("registration").ContentBytes()
	if len(reg) != 4 {
		return nil, errors.New("malformed registration id")
	}
	bundle := &signal.PreKeyBundle{
		RegistrationID: binary.BigEndian.Uint32(reg),
		IdentityKey:    user.GetChildByTag("identity").ContentBytes(),
	}
	if len(bundle.IdentityKey) == 0 {
		return nil, errors.New("missing identity key")
	}

	skey := user.GetChildByTag("skey")
	skeyID, err := readKeyID(skey.GetChildByTag("id").ContentBytes())
	if err != nil {
		return nil, fmt.Errorf("signed pre-key: %v", err)
	}
	bundle.SignedPreKeyID = skeyID
	bundle.SignedPreKey = skey.GetChildByTag("value").ContentBytes()
	bundle.SignedPreKeySignature = skey.GetChildByTag("signature").ContentBytes()
	if len(bundle.SignedPreKey) == 0 || len(bundle.SignedPreKeySignature) == 0 {
		return nil, errors.New("missing signed pre-key")
	}

	// The one-time pre-key is absent once the server pool runs dry.
	if key, ok := user.GetOptionalChildByTag("key"); ok {
		keyID, kerr := readKeyID(key.GetChildByTag("id").ContentBytes())
		if kerr != nil {
			return nil, fmt.Errorf("one-time pre-key: %v", kerr)
		}
		bundle.PreKeyID = keyID
		bundle.PreKey = key.GetChildByTag("value").ContentBytes()
	}
	return bundle, nil
}

func readKeyID(raw []byte) (uint32, error) {
	if len(raw) != 3 {
		return 0, fmt.Errorf("key id is %d bytes, want 3", len(raw))
	}
	return uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2]), nil
}

// senderKeyMemory loads which devices already hold our sender key for
// the group. Corrupt memory degrades to re-sending keys, never to
// skipping them.
func (c *Client) senderKeyMemory(group types.JID) (map[string]bool, error) {
	got, err := c.keys.Get(store.NSSenderKeyMemory, []string{group.String()})
	if err != nil {
		return nil, err
	}
	memory := make(map[string]bool)
	if blob, ok := got[group.String()]; ok {
		if err = cbor.Unmarshal(blob, &memory); err != nil {
			c.log.Warningf("resetting corrupt sender key memory for %s: %v", group, err)
			memory = make(map[string]bool)
		}
	}
	return memory, nil
}

// rememberSenderKeys marks devices as holding our sender key. The
// merge re-reads the memory inside one transaction so a concurrent
// update is never lost.
func (c *Client) rememberSenderKeys(group types.JID, devices []types.JID) error {
	return c.retryTransaction(func(tx storeTx) error {
		got, err := tx.Get(store.NSSenderKeyMemory, []string{group.String()})
		if err != nil {
			return err
		}
		memory := make(map[string]bool)
		if blob, ok := got[group.String()]; ok {
			if err = cbor.Unmarshal(blob, &memory); err != nil {
				memory = make(map[string]bool)
			}
		}
		for _, jid := range devices {
			memory[jid.SignalAddress()] = true
		}
		blob, err := cbor.Marshal(memory)
		if err != nil {
			return err
		}
		return tx.Set(store.NSSenderKeyMemory, map[string][]byte{group.String(): blob})
	})
}

// forgetSenderKey drops the fanout memory for a group, typically after
// its membership changed.
func (c *Client) forgetSenderKey(group types.JID) {
	err := c.keys.Set(store.NSSenderKeyMemory, map[string][]byte{group.String(): nil})
	if err != nil {
		c.log.Warningf("failed to clear sender key memory for %s: %v", group, err)
	}
}

// padMessage appends the random-length padding every e2e plaintext
// carries: 1 to 15 bytes, each holding the pad length.
func padMessage(plaintext []byte) []byte {
	var pad [1]byte
	if _, err := rand.Reader.Read(pad[:]); err != nil {
		panic(err)
	}
	pad[0] &= 0xf
	if pad[0] == 0 {
		pad[0] = 0xf
	}
	for i := byte(0); i < pad[0]; i++ {
		plaintext = append(plaintext, pad[0])
	}
	return plaintext
}

// unpadMessage strips the padding from a decrypted plaintext.
func unpadMessage(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("client: empty plaintext")
	}
	padLength := int(plaintext[len(plaintext)-1])
	if padLength == 0 || padLength > len(plaintext) {
		return nil, fmt.Errorf("client: plaintext padding length %d out of range", padLength)
	}
	return plaintext[:len(plaintext)-padLength], nil
}

// messageType classifies a message for the stanza type attribute.
func messageType(message *waproto.Message) string {
	switch {
	case message.ReactionMessage != nil:
		return "reaction"
	case message.Conversation != "", message.ExtendedTextMessage != nil,
		message.ProtocolMessage != nil:
		return "text"
	default:
		return "media"
	}
}

// bizNode renders the interactive-content marker for button and list
// messages, nil for everything else.
func bizNode(message *waproto.Message) *wabinary.Node {
	buttonType := message.ButtonType()
	if buttonType == "" {
		return nil
	}
	child := wabinary.Node{Tag: buttonType}
	if buttonType == "list" {
		child.Attrs = map[string]string{"v": "2", "type": "product_list"}
	}
	return &wabinary.Node{Tag: "biz", Content: []wabinary.Node{child}}
}

// deviceIdentityNode renders the signed device identity attached to
// session-establishing sends.
func (c *Client) deviceIdentityNode() wabinary.Node {
	return wabinary.Node{
		Tag:     "device-identity",
		Content: c.creds.Account.Marshal(),
	}
}

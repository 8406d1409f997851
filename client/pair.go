// pair.go - QR pairing and companion device registration.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/katzenpost/qrterminal"

	"github.com/haven-im/wamd/event"
	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/wabinary"
	"github.com/haven-im/wamd/waproto"
)

// Signature prefixes binding the account and device halves of the
// signed device identity.
var (
	accountSignaturePrefix = []byte{0x06, 0x00}
	deviceSignaturePrefix  = []byte{0x06, 0x01}
)

// handlePairDevice acks the server's pairing offer and begins rotating
// through its QR refs.
func (c *Client) handlePairDevice(node *wabinary.Node) bool {
	if err := c.SendNode(wabinary.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"to":   types.NewJID("", types.DefaultUserServer).String(),
			"type": "result",
			"id":   node.Attrs["id"],
		},
	}); err != nil {
		c.log.Warningf("pair-device ack failed: %v", err)
	}

	pairDevice := node.GetChildByTag("pair-device")
	var refs []string
	for _, ref := range pairDevice.GetChildrenByTag("ref") {
		if data := ref.ContentBytes(); len(data) > 0 {
			refs = append(refs, string(data))
		}
	}
	if len(refs) == 0 {
		c.log.Errorf("pair-device offer carried no refs")
		return true
	}
	c.startQRRotation(refs)
	return true
}

// startQRRotation emits one pairing code per ref: the first lives for
// the configured QR timeout, later ones for the fixed 20s cadence.
// Exhausting the refs ends the connection with timedOut.
func (c *Client) startQRRotation(refs []string) {
	c.connLock.Lock()
	cn := c.conn
	c.connLock.Unlock()
	if cn == nil {
		return
	}

	c.qrLock.Lock()
	if c.qrStop != nil {
		close(c.qrStop)
	}
	stop := make(chan struct{})
	c.qrStop = stop
	c.qrLock.Unlock()

	noisePub := base64.StdEncoding.EncodeToString(c.creds.NoiseKey.Public)
	identityPub := base64.StdEncoding.EncodeToString(c.creds.SignedIdentityKey.Public)
	advSecret := c.creds.AdvSecretB64()

	cn.Go(func() {
		timeout := c.cfg.QRTimeout()
		for _, ref := range refs {
			code := strings.Join([]string{ref, noisePub, identityPub, advSecret}, ",")
			c.bus.Emit(&event.ConnectionUpdate{QR: code})
			if c.cfg.PrintQRInTerminal {
				qrterminal.GenerateWithConfig(code, qrterminal.Config{
					Level:      qrterminal.L,
					Writer:     os.Stdout,
					HalfBlocks: true,
					QuietZone:  1,
				})
			}
			select {
			case <-c.clock.After(timeout):
				timeout = c.cfg.QRRotate()
			case <-stop:
				return
			case <-cn.HaltCh():
				return
			}
		}
		c.end(types.NewDisconnectError(types.ReasonTimedOut, errors.New("client: pairing refs exhausted")))
	})
}

// stopQRRotation cancels an in-flight rotation, if any.
func (c *Client) stopQRRotation() {
	c.qrLock.Lock()
	defer c.qrLock.Unlock()
	if c.qrStop != nil {
		close(c.qrStop)
		c.qrStop = nil
	}
}

// handlePairSuccess verifies the primary's signed device identity,
// countersigns it, persists the new identity and echoes the reply the
// server expects. The server restarts the stream right after.
func (c *Client) handlePairSuccess(node *wabinary.Node) bool {
	c.stopQRRotation()

	success := node.GetChildByTag("pair-success")
	me, lid, account, platform, bizName, reply, err := c.verifyPairing(&success)
	if err != nil {
		c.log.Errorf("pairing rejected: %v", err)
		if sendErr := c.SendNode(wabinary.Node{
			Tag: "iq",
			Attrs: map[string]string{
				"to":   types.NewJID("", types.DefaultUserServer).String(),
				"type": "error",
				"id":   node.Attrs["id"],
			},
			Content: []wabinary.Node{{Tag: "error", Attrs: map[string]string{"code": "500"}}},
		}); sendErr != nil {
			c.log.Warningf("pairing error reply failed: %v", sendErr)
		}
		c.end(types.NewDisconnectError(types.ReasonBadSession, err))
		return true
	}

	c.creds.Me = &me
	c.creds.Account = account
	c.creds.Platform = platform
	c.emitCredsUpdate()

	if err = c.SendNode(wabinary.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"to":   types.NewJID("", types.DefaultUserServer).String(),
			"type": "result",
			"id":   node.Attrs["id"],
		},
		Content: []wabinary.Node{*reply},
	}); err != nil {
		c.log.Errorf("pair-device-sign reply failed: %v", err)
	}

	c.bus.Emit(&event.PairSuccess{ID: me, LID: lid, BusinessName: bizName, Platform: platform})
	c.bus.Emit(&event.ConnectionUpdate{IsNewLogin: true})
	c.log.Noticef("paired as %s, expecting stream restart", me)
	return true
}

// verifyPairing checks the adv HMAC and the account signature over the
// device identity, then produces this device's countersignature and the
// pair-device-sign reply node.
func (c *Client) verifyPairing(success *wabinary.Node) (me, lid types.JID, account *waproto.SignedDeviceIdentity, platform, bizName string, reply *wabinary.Node, err error) {
	deviceIdentity := success.GetChildByTag("device-identity").ContentBytes()
	if deviceIdentity == nil {
		err = errors.New("client: pair-success missing device identity")
		return
	}
	deviceNode := success.GetChildByTag("device")
	if me, err = types.ParseJID(deviceNode.Attrs["jid"]); err != nil {
		err = fmt.Errorf("client: pair-success device JID: %w", err)
		return
	}
	if rawLID := deviceNode.Attrs["lid"]; rawLID != "" {
		// The hidden-user identity is optional and advisory.
		lid, _ = types.ParseJID(rawLID)
	}
	if bizNode, ok := success.GetOptionalChildByTag("biz"); ok {
		bizName = bizNode.Attrs["name"]
	}
	if platformNode, ok := success.GetOptionalChildByTag("platform"); ok {
		platform = platformNode.Attrs["name"]
	}

	container, err := waproto.ParseSignedDeviceIdentityHMAC(deviceIdentity)
	if err != nil {
		return
	}
	mac := hmac.New(sha256.New, c.creds.AdvSecretKey)
	mac.Write(container.Details)
	if !hmac.Equal(mac.Sum(nil), container.HMAC) {
		err = errors.New("client: device identity HMAC mismatch")
		return
	}

	if account, err = waproto.ParseSignedDeviceIdentity(container.Details); err != nil {
		return
	}
	accountKey := new(ed25519.PublicKey)
	if err = accountKey.FromBytes(account.AccountSignatureKey); err != nil {
		err = fmt.Errorf("client: account signature key: %w", err)
		return
	}
	accountMsg := concatBytes(accountSignaturePrefix, account.Details, c.creds.SignedIdentityKey.Public)
	if !accountKey.Verify(account.AccountSignature, accountMsg) {
		err = errors.New("client: account signature mismatch")
		return
	}

	identPriv, err := c.creds.IdentityPrivate()
	if err != nil {
		return
	}
	deviceMsg := concatBytes(deviceSignaturePrefix, account.Details, c.creds.SignedIdentityKey.Public, account.AccountSignatureKey)
	account.DeviceSignature = identPriv.SignMessage(deviceMsg)

	inner, err := waproto.ParseDeviceIdentity(account.Details)
	if err != nil {
		return
	}

	reply = &wabinary.Node{
		Tag: "pair-device-sign",
		Content: []wabinary.Node{{
			Tag:     "device-identity",
			Attrs:   map[string]string{"key-index": strconv.FormatUint(uint64(inner.KeyIndex), 10)},
			Content: account.MarshalWithoutKey(),
		}},
	}
	return
}

func concatBytes(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// handshake.go - client payload construction for the Noise handshake.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/haven-im/wamd/store"
	"github.com/haven-im/wamd/waproto"
)

// buildClientPayload assembles the authenticated handshake payload: a
// login for a paired device, a registration otherwise.
func (c *Client) buildClientPayload() *waproto.ClientPayload {
	payload := &waproto.ClientPayload{
		UserAgent:     c.buildUserAgent(),
		WebInfo:       &waproto.WebInfo{SubPlatform: waproto.WebSubPlatformBrowser},
		ConnectType:   waproto.ConnectTypeWifiUnknown,
		ConnectReason: waproto.ConnectReasonUserActivated,
	}
	if c.creds.Registered() {
		user, err := strconv.ParseUint(c.creds.Me.User, 10, 64)
		if err != nil {
			// A non-numeric own JID means corrupt creds; the server will
			// reject the login and the failure path reports it.
			c.log.Errorf("own JID %q is not numeric: %v", c.creds.Me.User, err)
		}
		payload.Username = user
		payload.Device = uint32(c.creds.Me.Device)
		payload.Passive = true
		payload.Pull = true
		return payload
	}
	payload.Registration = c.buildRegistrationData()
	return payload
}

func (c *Client) buildUserAgent() *waproto.UserAgent {
	v := c.cfg.Version
	return &waproto.UserAgent{
		Platform:       waproto.PlatformWeb,
		Version:        waproto.AppVersion{Primary: v[0], Secondary: v[1], Tertiary: v[2]},
		Mcc:            "000",
		Mnc:            "000",
		OSVersion:      "0.1",
		Device:         "Desktop",
		OSBuildNumber:  "0.1",
		ReleaseChannel: waproto.ReleaseChannelLive,
		LocaleLang:     "en",
		LocaleCountry:  "US",
	}
}

func (c *Client) buildRegistrationData() *waproto.PairingRegistrationData {
	regID := make([]byte, 4)
	binary.BigEndian.PutUint32(regID, c.creds.RegistrationID)

	skeyID := make([]byte, 4)
	binary.BigEndian.PutUint32(skeyID, c.creds.SignedPreKey.KeyID)

	props := &waproto.DeviceProps{
		OS:              c.cfg.Browser.OS,
		Version:         waproto.AppVersion{Primary: 0, Secondary: 1, Tertiary: 0},
		PlatformType:    c.cfg.Browser.PlatformType(),
		RequireFullSync: c.cfg.SyncFullHistory,
	}

	return &waproto.PairingRegistrationData{
		ERegID:      regID,
		EKeyType:    []byte{store.KeyBundleType},
		EIdent:      c.creds.SignedIdentityKey.Public,
		ESkeyID:     skeyID[1:], // big-endian u24
		ESkeyVal:    c.creds.SignedPreKey.KeyPair.Public,
		ESkeySig:    c.creds.SignedPreKey.Signature,
		BuildHash:   versionBuildHash(c.cfg.Version),
		DeviceProps: props.Marshal(),
	}
}

// versionBuildHash is the MD5 of the dotted version string, a protocol
// constant the server checks against the advertised version.
func versionBuildHash(v []uint32) []byte {
	sum := md5.Sum([]byte(fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])))
	return sum[:]
}

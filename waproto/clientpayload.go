// clientpayload.go - handshake ClientPayload codec.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package waproto

// UserAgent platform and release channel values understood by the server.
const (
	PlatformWeb        = 14
	ReleaseChannelLive = 0

	ConnectTypeWifiUnknown     = 1
	ConnectReasonUserActivated = 1

	WebSubPlatformBrowser = 0

	// DeviceProps platform types.
	PlatformTypeChrome  = 1
	PlatformTypeFirefox = 2
	PlatformTypeDesktop = 7
)

// AppVersion is the five-part client version advertised to the server.
type AppVersion struct {
	Primary, Secondary, Tertiary uint32
}

func (v *AppVersion) appendTo(w *fieldWriter) {
	w.uvarint(1, uint64(v.Primary))
	w.uvarint(2, uint64(v.Secondary))
	w.uvarint(3, uint64(v.Tertiary))
}

// UserAgent describes the client build.
type UserAgent struct {
	Platform       uint64
	Version        AppVersion
	Mcc, Mnc       string
	OSVersion      string
	Manufacturer   string
	Device         string
	OSBuildNumber  string
	ReleaseChannel uint64
	LocaleLang     string
	LocaleCountry  string
}

func (u *UserAgent) appendTo(w *fieldWriter) {
	w.uvarint(1, u.Platform)
	w.message(2, &u.Version)
	w.str(3, u.Mcc)
	w.str(4, u.Mnc)
	w.str(5, u.OSVersion)
	w.str(6, u.Manufacturer)
	w.str(7, u.Device)
	w.str(8, u.OSBuildNumber)
	w.uvarint(10, u.ReleaseChannel)
	w.str(11, u.LocaleLang)
	w.str(12, u.LocaleCountry)
}

// WebInfo marks the connection as a web-style companion.
type WebInfo struct {
	SubPlatform uint64
}

func (i *WebInfo) appendTo(w *fieldWriter) {
	// Field 4 is the sub-platform enum; zero (browser) must still be sent.
	w.enum(4, i.SubPlatform)
}

// PairingRegistrationData carries the registration material of a device
// that has no credentials yet.
type PairingRegistrationData struct {
	ERegID      []byte // big-endian u32 registration id
	EKeyType    []byte // single byte 0x05 (djb key type)
	EIdent      []byte // identity public key
	ESkeyID     []byte // big-endian u24 signed prekey id
	ESkeyVal    []byte // signed prekey public key
	ESkeySig    []byte // signature over the signed prekey
	BuildHash   []byte
	DeviceProps []byte // serialized DeviceProps
}

func (d *PairingRegistrationData) appendTo(w *fieldWriter) {
	w.bytes(1, d.ERegID)
	w.bytes(2, d.EKeyType)
	w.bytes(3, d.EIdent)
	w.bytes(4, d.ESkeyID)
	w.bytes(5, d.ESkeyVal)
	w.bytes(6, d.ESkeySig)
	w.bytes(7, d.BuildHash)
	w.bytes(8, d.DeviceProps)
}

// DeviceProps describes the companion device presented during pairing.
type DeviceProps struct {
	OS              string
	Version         AppVersion
	PlatformType    uint64
	RequireFullSync bool
}

// Marshal serializes DeviceProps for embedding in the registration data.
func (d *DeviceProps) Marshal() []byte {
	var w fieldWriter
	w.str(1, d.OS)
	w.message(2, &d.Version)
	w.uvarint(3, d.PlatformType)
	w.flag(4, d.RequireFullSync)
	return w.buf
}

// ClientPayload is the authenticated payload of the final handshake frame.
// A payload with Username set is a login; one with Registration set enrolls
// a new device.
type ClientPayload struct {
	Username      uint64
	Device        uint32
	Passive       bool
	Pull          bool
	UserAgent     *UserAgent
	WebInfo       *WebInfo
	ConnectType   uint64
	ConnectReason uint64
	Registration  *PairingRegistrationData
}

func (p *ClientPayload) Marshal() []byte {
	var w fieldWriter
	w.uvarint(1, p.Username)
	w.flag(3, p.Passive)
	w.message(5, p.UserAgent)
	if p.WebInfo != nil {
		w.message(6, p.WebInfo)
	}
	w.uvarint(12, p.ConnectType)
	w.uvarint(13, p.ConnectReason)
	if p.Username != 0 {
		// Device index is meaningful even at zero for logins.
		w.enum(18, uint64(p.Device))
	}
	if p.Registration != nil {
		w.message(19, p.Registration)
	}
	w.flag(33, p.Pull)
	return w.buf
}

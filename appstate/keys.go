// keys.go - collection names and mutation key derivation.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package appstate

import (
	"crypto/sha256"
	"encoding/base64"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"gopkg.in/op/go-logging.v1"

	"github.com/haven-im/wamd/log"
)

// Collection names one of the server's app state partitions.
type Collection string

const (
	CollectionCriticalBlock      Collection = "critical_block"
	CollectionCriticalUnblockLow Collection = "critical_unblock_low"
	CollectionRegularLow         Collection = "regular_low"
	CollectionRegularHigh        Collection = "regular_high"
	CollectionRegular            Collection = "regular"
)

// AllCollections lists every collection, in the order initial sync
// requests them.
var AllCollections = []Collection{
	CollectionCriticalBlock,
	CollectionCriticalUnblockLow,
	CollectionRegularHigh,
	CollectionRegularLow,
	CollectionRegular,
}

// Index heads identifying the mutation kind; the first element of each
// decrypted index array.
const (
	IndexMute                 = "mute"
	IndexPin                  = "pin_v1"
	IndexArchive              = "archive"
	IndexContact              = "contact"
	IndexClearChat            = "clearChat"
	IndexDeleteChat           = "deleteChat"
	IndexStar                 = "star"
	IndexDeleteMessageForMe   = "deleteMessageForMe"
	IndexMarkChatAsRead       = "markChatAsRead"
	IndexSettingPushName      = "setting_pushName"
	IndexSettingSecurity      = "setting_securityNotification"
	IndexSettingUnarchiveChat = "setting_unarchiveChats"
)

var mutationKeysInfo = []byte("WhatsApp Mutation Keys")

// ExpandedKeys are the five per-purpose keys derived from one app state
// sync key.
type ExpandedKeys struct {
	Index           []byte
	ValueEncryption []byte
	ValueMAC        []byte
	SnapshotMAC     []byte
	PatchMAC        []byte
}

// expandKeys derives the purpose keys from 32 bytes of sync key data via
// HKDF-SHA256 with a nil salt.
func expandKeys(keyData []byte) ExpandedKeys {
	expanded := make([]byte, 160)
	r := hkdf.New(sha256.New, keyData, nil, mutationKeysInfo)
	if _, err := io.ReadFull(r, expanded); err != nil {
		panic(err)
	}
	return ExpandedKeys{
		Index:           expanded[0:32],
		ValueEncryption: expanded[32:64],
		ValueMAC:        expanded[64:96],
		SnapshotMAC:     expanded[96:128],
		PatchMAC:        expanded[128:160],
	}
}

// KeyProvider resolves an app state sync key id to its raw key data.
// A nil slice with a nil error means the key is not in the store.
type KeyProvider func(id []byte) ([]byte, error)

// Processor holds the per-connection decode state: the key resolver and
// a cache of expanded keys.
type Processor struct {
	getKey KeyProvider
	log    *logging.Logger

	cacheMutex sync.Mutex
	keyCache   map[string]ExpandedKeys
}

func NewProcessor(getKey KeyProvider, logBackend *log.Backend) *Processor {
	return &Processor{
		getKey:   getKey,
		log:      logBackend.GetLogger("appstate"),
		keyCache: make(map[string]ExpandedKeys),
	}
}

func (p *Processor) keysFor(id []byte) (ExpandedKeys, error) {
	cacheKey := base64.StdEncoding.EncodeToString(id)
	p.cacheMutex.Lock()
	defer p.cacheMutex.Unlock()
	if keys, ok := p.keyCache[cacheKey]; ok {
		return keys, nil
	}
	keyData, err := p.getKey(id)
	if err != nil {
		return ExpandedKeys{}, err
	}
	if keyData == nil {
		return ExpandedKeys{}, &KeyNotFoundError{ID: id}
	}
	keys := expandKeys(keyData)
	p.keyCache[cacheKey] = keys
	return keys, nil
}

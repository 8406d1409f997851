// cbc.go - AES-256-CBC with PKCS#7 padding for sync record values.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package appstate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// cbcEncrypt pads and encrypts plaintext, prepending the random IV. The
// wire format mandates CBC here; integrity comes from the separate
// content MAC over the ciphertext.
func cbcEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, aes.BlockSize+len(plaintext)+pad)
	iv := padded[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	body := padded[aes.BlockSize:]
	copy(body, plaintext)
	for i := len(plaintext); i < len(body); i++ {
		body[i] = byte(pad)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(body, body)
	return padded, nil
}

// cbcDecrypt splits off the leading IV, decrypts and strips the padding.
func cbcDecrypt(key, data []byte) ([]byte, error) {
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("appstate: bad ciphertext length %d", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv, body := data[:aes.BlockSize], data[aes.BlockSize:]
	plaintext := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, body)
	pad := int(plaintext[len(plaintext)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plaintext) {
		return nil, fmt.Errorf("appstate: bad padding")
	}
	for _, b := range plaintext[len(plaintext)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("appstate: bad padding")
		}
	}
	return plaintext[:len(plaintext)-pad], nil
}

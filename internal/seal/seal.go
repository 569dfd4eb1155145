// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package seal encrypts record payloads with per-tenant keys and computes
// keyed integrity checksums.
//
// Envelope layout: [version (1 byte)][nonce][ciphertext+tag].
// Version 1 uses ChaCha20-Poly1305 under the tenant key. Version 2 uses
// XChaCha20-Poly1305 under a per-record key derived from the tenant key.
// The additional data binds every envelope to its tenant and record id, so
// an envelope copied into another partition or record fails to open.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey      = errors.New("master key must be at least 32 bytes")
	ErrMalformed       = errors.New("malformed envelope")
	ErrAuthentication  = errors.New("envelope authentication failed")
	ErrUnknownVersion  = errors.New("unknown envelope version")
	ErrMissingTenantID = errors.New("tenant id is required")
)

// Level selects the sealing scheme.
type Level string

const (
	LevelNone     Level = "none"
	LevelStandard Level = "standard"
	LevelStrong   Level = "strong"
)

const (
	versionStandard byte = 1
	versionStrong   byte = 2

	keyInfoPrefix      = "tenantvault/tenant-key/"
	checksumInfoPrefix = "tenantvault/checksum-key/"
)

// Keyring derives tenant keys from a single master key using HKDF-SHA256.
type Keyring struct {
	master []byte
}

// NewKeyring creates a keyring. The master key is copied.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) < chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	k := make([]byte, len(master))
	copy(k, master)
	return &Keyring{master: k}, nil
}

// GenerateMasterKey returns a random 32-byte key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

func (k *Keyring) tenantKey(tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, ErrMissingTenantID
	}
	return derive(k.master, keyInfoPrefix+tenantID)
}

func (k *Keyring) checksumKey(tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, ErrMissingTenantID
	}
	return derive(k.master, checksumInfoPrefix+tenantID)
}

func derive(secret []byte, info string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Sealer seals and opens payload envelopes.
type Sealer struct {
	keys *Keyring
}

// NewSealer creates a sealer backed by the keyring.
func NewSealer(keys *Keyring) *Sealer {
	return &Sealer{keys: keys}
}

// Seal encrypts plaintext for the given tenant and record. LevelNone is
// treated as LevelStandard: callers only seal data that must be encrypted.
func (s *Sealer) Seal(tenantID, recordID string, level Level, plaintext []byte) ([]byte, error) {
	version := versionStandard
	if level == LevelStrong {
		version = versionStrong
	}

	aead, err := s.aead(version, tenantID, recordID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, version)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, additionalData(tenantID, recordID)), nil
}

// Open decrypts an envelope produced by Seal.
func (s *Sealer) Open(tenantID, recordID string, envelope []byte) ([]byte, error) {
	if len(envelope) < 1 {
		return nil, ErrMalformed
	}

	aead, err := s.aead(envelope[0], tenantID, recordID)
	if err != nil {
		return nil, err
	}

	body := envelope[1:]
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformed
	}

	nonce, ciphertext := body[:aead.NonceSize()], body[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData(tenantID, recordID))
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func (s *Sealer) aead(version byte, tenantID, recordID string) (cipher.AEAD, error) {
	key, err := s.keys.tenantKey(tenantID)
	if err != nil {
		return nil, err
	}

	switch version {
	case versionStandard:
		return chacha20poly1305.New(key)
	case versionStrong:
		recordKey, err := derive(key, "record/"+recordID)
		if err != nil {
			return nil, err
		}
		return chacha20poly1305.NewX(recordKey)
	default:
		return nil, ErrUnknownVersion
	}
}

func additionalData(tenantID, recordID string) []byte {
	return []byte(tenantID + "\x00" + recordID)
}

// Checksum returns the hex keyed BLAKE2b-256 digest of data under the
// tenant's checksum key. The key is separate from the sealing key, and the
// digest cannot be recomputed without the master key.
func (s *Sealer) Checksum(tenantID string, data []byte) (string, error) {
	key, err := s.keys.checksumKey(tenantID)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return "", fmt.Errorf("failed to create checksum: %w", err)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum reports whether data matches the tenant's expected digest.
func (s *Sealer) VerifyChecksum(tenantID string, data []byte, expected string) bool {
	sum, err := s.Checksum(tenantID, data)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sum), []byte(expected)) == 1
}

// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package mapper

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Mapping modes.
const (
	// ModePlain maps usernames to localparts unchanged.
	ModePlain = "PLAIN"

	// ModeHMACSHA256 derives the localpart as
	// lowercase(base32(HMAC-SHA256(pepper, pid ?? username))).
	ModeHMACSHA256 = "HMAC-SHA256"
)

// Config holds the usernameMapper section of the configuration.
type Config struct {
	Mode   string `koanf:"mode" json:"mode" validate:"required,oneof=PLAIN HMAC-SHA256"`
	Pepper string `koanf:"pepper" json:"pepper"`
	Folder string `koanf:"folder" json:"folder"`

	// BinaryPid controls whether persistent IDs are hashed as raw bytes.
	// When false, the bytes are first decoded as UTF-8 (lossily), which
	// keeps the derived localpart stable whether the ID arrives as a byte
	// slice or as a string.
	BinaryPid bool `koanf:"binaryPid" json:"binaryPid"`
}

// Entry is the reverse-index record stored under a localpart key.
type Entry struct {
	Username     string `json:"username"`
	PersistentID []byte `json:"persistentId,omitempty"`
}

// Mapper derives localparts and maintains the reverse index.
type Mapper struct {
	cfg   Config
	store Store
}

// localpart encoding: unpadded base32, lowercased afterwards. Matrix
// localparts may not contain '=' so padding must be stripped.
var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// New creates a Mapper over the given store.
func New(cfg Config, store Store) (*Mapper, error) {
	switch cfg.Mode {
	case ModePlain, ModeHMACSHA256:
	default:
		return nil, fmt.Errorf("mapper: unknown mode %q", cfg.Mode)
	}
	if cfg.Mode == ModeHMACSHA256 && cfg.Pepper == "" {
		return nil, errors.New("mapper: HMAC-SHA256 mode requires a pepper")
	}
	return &Mapper{cfg: cfg, store: store}, nil
}

// UsernameToLocalpart derives the Matrix localpart for a source username
// and optional persistent ID. In HMAC-SHA256 mode the reverse entry is
// durably written before the localpart is returned, so LocalpartToUsername
// observes it immediately.
func (m *Mapper) UsernameToLocalpart(username string, pid []byte) (string, error) {
	if m.cfg.Mode == ModePlain {
		return username, nil
	}

	input := pid
	if input == nil {
		input = []byte(username)
	} else if !m.cfg.BinaryPid {
		input = []byte(strings.ToValidUTF8(string(input), string(utf8Replacement)))
	}

	mac := hmac.New(sha256.New, []byte(m.cfg.Pepper))
	mac.Write(input)
	localpart := strings.ToLower(base32NoPad.EncodeToString(mac.Sum(nil)))

	entry := Entry{Username: username, PersistentID: pid}
	data, err := json.Marshal(&entry)
	if err != nil {
		return "", fmt.Errorf("mapper: marshal entry: %w", err)
	}
	if err := m.store.Set(localpart, data); err != nil {
		return "", fmt.Errorf("mapper: store entry: %w", err)
	}
	return localpart, nil
}

// LocalpartToUsername resolves a localpart back to its source record.
// Returns (nil, nil) when the localpart is unknown or the stored record is
// not parseable; other store errors propagate.
func (m *Mapper) LocalpartToUsername(localpart string) (*Entry, error) {
	if m.cfg.Mode == ModePlain {
		return &Entry{Username: localpart}, nil
	}

	data, err := m.store.Get(localpart)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mapper: lookup %s: %w", localpart, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, nil
	}
	return &entry, nil
}

// Delete removes the reverse-index entry for localpart. Used by the
// repair utility when a mapping has moved to a new localpart.
func (m *Mapper) Delete(localpart string) error {
	return m.store.Delete(localpart)
}

// Iterate walks every reverse-index entry. Used by the repair utility.
func (m *Mapper) Iterate(fn func(localpart string, entry Entry) error) error {
	return m.store.Iterate(func(key string, value []byte) error {
		var entry Entry
		if err := json.Unmarshal(value, &entry); err != nil {
			// Skip unparseable records; repair cannot do anything with them.
			return nil
		}
		return fn(key, entry)
	})
}

// Mode returns the configured mapping mode.
func (m *Mapper) Mode() string { return m.cfg.Mode }

// BinaryPid reports whether persistent IDs are treated as raw bytes.
func (m *Mapper) BinaryPid() bool { return m.cfg.BinaryPid }

const utf8Replacement = '�'

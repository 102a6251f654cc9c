// Package state provides file persistence for the actor keyring.
package state

import (
	"time"

	"github.com/Sentinel-Gate/governor/internal/domain/identity"
)

// keyringFileVersion is bumped when the on-disk layout changes.
const keyringFileVersion = "1"

// KeyringFile is the on-disk layout of keyring.json.
type KeyringFile struct {
	Version   string                `json:"version"`
	Actors    map[string][]KeyEntry `json:"actors"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// KeyEntry is one persisted key. Material is base64 via encoding/json []byte handling.
type KeyEntry struct {
	ID        string    `json:"id"`
	Algorithm string    `json:"algorithm"`
	Material  []byte    `json:"material"`
	Created   time.Time `json:"created"`
	NotAfter  time.Time `json:"not_after,omitempty"`
	Revoked   bool      `json:"revoked,omitempty"`
}

func toEntries(keys map[string][]identity.Key) map[string][]KeyEntry {
	out := make(map[string][]KeyEntry, len(keys))
	for actor, list := range keys {
		entries := make([]KeyEntry, 0, len(list))
		for _, k := range list {
			entries = append(entries, KeyEntry{
				ID:        k.ID,
				Algorithm: string(k.Algorithm),
				Material:  k.Material,
				Created:   k.Created,
				NotAfter:  k.NotAfter,
				Revoked:   k.Revoked,
			})
		}
		out[actor] = entries
	}
	return out
}

func fromEntries(actors map[string][]KeyEntry) map[string][]identity.Key {
	out := make(map[string][]identity.Key, len(actors))
	for actor, list := range actors {
		keys := make([]identity.Key, 0, len(list))
		for _, e := range list {
			keys = append(keys, identity.Key{
				ID:        e.ID,
				Algorithm: identity.Algorithm(e.Algorithm),
				Material:  e.Material,
				Created:   e.Created,
				NotAfter:  e.NotAfter,
				Revoked:   e.Revoked,
			})
		}
		out[actor] = keys
	}
	return out
}

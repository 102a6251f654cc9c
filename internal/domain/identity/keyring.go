package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// KeyringStore persists the keyring. Interface owned by domain per hexagonal architecture.
type KeyringStore interface {
	Load(ctx context.Context) (map[string][]Key, error)
	Save(ctx context.Context, keys map[string][]Key) error
}

// Keyring holds zero or more keys per actor. Safe for concurrent use.
type Keyring struct {
	mu    sync.RWMutex
	keys  map[string][]Key
	store KeyringStore
	now   func() time.Time
}

// KeyringOption configures a Keyring.
type KeyringOption func(*Keyring)

// WithKeyringStore persists every mutation through store.
func WithKeyringStore(store KeyringStore) KeyringOption {
	return func(k *Keyring) { k.store = store }
}

// WithKeyringClock overrides the time source (tests).
func WithKeyringClock(now func() time.Time) KeyringOption {
	return func(k *Keyring) { k.now = now }
}

// NewKeyring creates a keyring, loading existing keys if a store is configured.
func NewKeyring(ctx context.Context, opts ...KeyringOption) (*Keyring, error) {
	k := &Keyring{keys: make(map[string][]Key), now: time.Now}
	for _, opt := range opts {
		opt(k)
	}
	if k.store != nil {
		loaded, err := k.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load keyring: %w", err)
		}
		if loaded != nil {
			k.keys = loaded
		}
	}
	return k, nil
}

// Register adds an active key for an actor.
func (k *Keyring) Register(ctx context.Context, actorID string, key Key) error {
	if actorID == "" {
		return fmt.Errorf("%w: actor id is required", ErrInvalidKey)
	}
	if err := key.Validate(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, existing := range k.keys[actorID] {
		if existing.ID == key.ID {
			return fmt.Errorf("%w: %s/%s", ErrKeyExists, actorID, key.ID)
		}
	}
	if key.Created.IsZero() {
		key.Created = k.now().UTC()
	}
	key.NotAfter = time.Time{}
	key.Revoked = false

	next := cloneKeys(k.keys)
	next[actorID] = append(next[actorID], key)
	return k.commitLocked(ctx, next)
}

// Rotate registers newKey and retires every other active key of the actor at now+grace.
func (k *Keyring) Rotate(ctx context.Context, actorID string, newKey Key, grace time.Duration) error {
	if err := newKey.Validate(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now().UTC()
	next := cloneKeys(k.keys)
	current := next[actorID]
	for i := range current {
		if current[i].ID == newKey.ID {
			return fmt.Errorf("%w: %s/%s", ErrKeyExists, actorID, newKey.ID)
		}
		if current[i].NotAfter.IsZero() && !current[i].Revoked {
			current[i].NotAfter = now.Add(grace)
		}
	}
	if newKey.Created.IsZero() {
		newKey.Created = now
	}
	newKey.NotAfter = time.Time{}
	next[actorID] = append(current, newKey)
	return k.commitLocked(ctx, next)
}

// Revoke disables a key immediately.
func (k *Keyring) Revoke(ctx context.Context, actorID, keyID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	next := cloneKeys(k.keys)
	for i, key := range next[actorID] {
		if key.ID == keyID {
			next[actorID][i].Revoked = true
			return k.commitLocked(ctx, next)
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrUnknownKey, actorID, keyID)
}

// Lookup returns the key usable now for (actorID, keyID), or ErrUnknownKey.
func (k *Keyring) Lookup(actorID, keyID string) (Key, error) {
	now := k.now()
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, key := range k.keys[actorID] {
		if key.ID == keyID && key.UsableAt(now) {
			return key, nil
		}
	}
	return Key{}, ErrUnknownKey
}

// Keys returns a copy of an actor's keys sorted by creation time.
func (k *Keyring) Keys(actorID string) []Key {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := append([]Key(nil), k.keys[actorID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Actors returns the sorted actor ids with at least one key.
func (k *Keyring) Actors() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for id := range k.keys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// commitLocked persists next before publishing it. Must be called with lock held.
func (k *Keyring) commitLocked(ctx context.Context, next map[string][]Key) error {
	if k.store != nil {
		if err := k.store.Save(ctx, next); err != nil {
			return fmt.Errorf("save keyring: %w", err)
		}
	}
	k.keys = next
	return nil
}

func cloneKeys(in map[string][]Key) map[string][]Key {
	out := make(map[string][]Key, len(in))
	for actor, keys := range in {
		out[actor] = append([]Key(nil), keys...)
	}
	return out
}

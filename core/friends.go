package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// FriendshipSource lists the friendship records of the current user.
type FriendshipSource interface {
	Friendships(ctx context.Context) ([]FriendshipRecord, error)
}

// IdentityProvider exposes the signed in user.
type IdentityProvider interface {
	Identity() (Participant, bool)
}

// FriendDirectory caches the friends of the current identity. The cache is
// replaced as a whole on every successful load.
type FriendDirectory struct {
	source   FriendshipSource
	identity IdentityProvider
	logger   *slog.Logger

	mu      sync.RWMutex
	friends []Friend
	index   map[string]int
	loading bool
	err     error
}

func NewFriendDirectory(source FriendshipSource, identity IdentityProvider, logger *slog.Logger) *FriendDirectory {
	return &FriendDirectory{
		source:   source,
		identity: identity,
		logger:   logger,
		index:    make(map[string]int),
	}
}

// LoadFriends fetches the friendship list once and rebuilds the cache from it.
// For each record the side that is not the current identity becomes the
// friend. On failure the previous cache stays in place and the error is kept
// for Err.
func (d *FriendDirectory) LoadFriends(ctx context.Context) {
	d.mu.Lock()
	d.loading = true
	d.err = nil
	d.mu.Unlock()

	friends, index, err := d.fetch(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.loading = false
	if err != nil {
		d.err = err
		d.logger.Error(err.Error())
		return
	}
	d.friends = friends
	d.index = index
	d.logger.Info(fmt.Sprintf("loaded %d friends", len(friends)))
}

func (d *FriendDirectory) fetch(ctx context.Context) ([]Friend, map[string]int, error) {
	self, ok := d.identity.Identity()
	if !ok {
		return nil, nil, fmt.Errorf("load friends: %w", ErrNoIdentity)
	}
	records, err := d.source.Friendships(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load friends: %w", err)
	}

	friends := make([]Friend, 0, len(records))
	index := make(map[string]int, len(records))
	for _, rec := range records {
		other := rec.User
		if rec.User != nil && rec.User.ID == self.ID {
			other = rec.Friend
		}
		if other == nil || other.ID == "" || other.ID == self.ID {
			continue
		}
		if _, ok := index[other.ID]; ok {
			continue
		}
		index[other.ID] = len(friends)
		friends = append(friends, other.withDefaults())
	}
	return friends, index, nil
}

// Friends returns the cached friends in load order.
func (d *FriendDirectory) Friends() []Friend {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Friend, len(d.friends))
	copy(out, d.friends)
	return out
}

func (d *FriendDirectory) FriendByID(id string) (Friend, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.index[id]
	if !ok {
		return Friend{}, false
	}
	return d.friends[i], true
}

func (d *FriendDirectory) Loading() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loading
}

func (d *FriendDirectory) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.err
}

// Package session keeps the one pending image each user may have while the
// bot waits for a target width.
package session

import (
	"fmt"
	"image"
	"time"

	"github.com/keepmind9/resizebot/pkg/constants"
	"github.com/patrickmn/go-cache"
)

// PendingImage is a decoded image waiting for a resize request
type PendingImage struct {
	Image      image.Image
	Format     string // JPEG, PNG, ...
	Width      int
	Height     int
	ReceivedAt time.Time
}

// Config controls expiry of pending images
type Config struct {
	// TTL is how long an image stays pending; zero keeps it for the process lifetime
	TTL             time.Duration
	CleanupInterval time.Duration
}

// NewConfig returns Config with default values
func NewConfig() Config {
	return Config{
		TTL:             constants.DefaultSessionTTL,
		CleanupInterval: constants.DefaultSessionCleanupInterval,
	}
}

// Store maps a user key to at most one PendingImage.
// It is safe for concurrent use.
type Store struct {
	cache *cache.Cache
}

// NewStore creates a store. The cleanup janitor only runs when TTL is set.
func NewStore(config Config) *Store {
	ttl := config.TTL
	cleanup := config.CleanupInterval
	if ttl <= 0 {
		ttl = cache.NoExpiration
		cleanup = 0
	}
	return &Store{cache: cache.New(ttl, cleanup)}
}

// Put stores img for key, replacing any previous pending image
func (s *Store) Put(key string, img *PendingImage) {
	s.cache.Set(key, img, cache.DefaultExpiration)
}

// Get returns the pending image for key, if any
func (s *Store) Get(key string) (*PendingImage, bool, error) {
	val, ok := s.cache.Get(key)
	if !ok || val == nil {
		return nil, false, nil
	}

	switch v := val.(type) {
	case *PendingImage:
		return v, true, nil
	default:
		return nil, false, fmt.Errorf("cached value has illegal type of %T", v)
	}
}

// Delete removes the pending image for key; missing keys are ignored
func (s *Store) Delete(key string) {
	s.cache.Delete(key)
}

// Len returns the number of pending images, including expired ones not yet purged
func (s *Store) Len() int {
	return s.cache.ItemCount()
}

// UserKey builds the store key for a platform user
func UserKey(platform, userID string) string {
	return fmt.Sprintf("%s:%s", platform, userID)
}

package credential

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store is the single holder of the current credential set. Readers always
// observe either a complete set or no set at all: the set is swapped as one
// value under the lock, and persisted before it becomes visible.
type Store struct {
	mu        sync.RWMutex
	current   *Set
	persister Persister
	key       string
}

// NewStore creates a store backed by the given persister, restoring any set
// previously saved under key. An unreadable or incomplete persisted set is
// discarded and the store starts logged out.
func NewStore(ctx context.Context, persister Persister, key string) *Store {
	s := &Store{
		persister: persister,
		key:       key,
	}

	set, found, err := persister.Load(ctx, key)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("key", key).Msg("credential restore failed, starting logged out")
	case !found:
		// logged out
	case set.Validate() != nil:
		log.Warn().Str("key", key).Msg("discarding incomplete persisted credential set")
		if err := persister.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("removing incomplete credential set failed")
		}
	default:
		s.current = &set
	}

	return s
}

// Current returns the current set and whether one is present.
func (s *Store) Current() (Set, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return Set{}, false
	}
	return *s.current, true
}

// AccessToken returns the current access credential, or "" when logged out.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return ""
	}
	return s.current.AccessToken
}

// Replace installs a new set wholesale. Incomplete sets are rejected with
// ErrIncomplete and leave the store unchanged.
func (s *Store) Replace(ctx context.Context, set Set) error {
	if err := set.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persister.Save(ctx, s.key, set); err != nil {
		return fmt.Errorf("persisting credential set: %w", err)
	}

	s.current = &set
	return nil
}

// Swap installs next only if the current set is still old, and reports
// whether it did. Renewal uses this so that a sign-in or sign-out made while
// the renewal was in flight is not overwritten.
func (s *Store) Swap(ctx context.Context, old, next Set) (bool, error) {
	if err := next.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || *s.current != old {
		return false, nil
	}

	if err := s.persister.Save(ctx, s.key, next); err != nil {
		return false, fmt.Errorf("persisting credential set: %w", err)
	}

	s.current = &next
	return true, nil
}

// ClearIf clears the store only if the current set is still old, and reports
// whether it did.
func (s *Store) ClearIf(ctx context.Context, old Set) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || *s.current != old {
		return false, nil
	}

	s.current = nil

	if err := s.persister.Delete(ctx, s.key); err != nil {
		return true, fmt.Errorf("removing persisted credential set: %w", err)
	}
	return true, nil
}

// Clear removes the set from memory and from the persister. The in-memory
// set is cleared even when the persister fails, so that no further request
// carries the credential.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil

	if err := s.persister.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("removing persisted credential set: %w", err)
	}
	return nil
}

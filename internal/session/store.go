// Package session holds the per-process authentication session.
//
// AuthService is the only writer. Every other component reads through the
// store and subscribes to changes instead of keeping copies.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"vehicle-monitor/internal/domain/auth"
	"vehicle-monitor/internal/pubsub"
	"vehicle-monitor/internal/repository"
)

const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
	KeyAuthProvider = "auth_provider"
)

// Keys lists every key the store writes.
var Keys = []string{KeyAccessToken, KeyRefreshToken, KeyUser, KeyAuthProvider}

// Change describes a store mutation. Cleared is set when the whole session
// was purged; otherwise Keys lists what was written.
type Change struct {
	Keys    []string
	Cleared bool
}

type Store struct {
	mu      sync.Mutex
	repo    repository.SessionRepository
	changes *pubsub.Broker[Change]
	log     zerolog.Logger
}

func NewStore(repo repository.SessionRepository, log zerolog.Logger) *Store {
	return &Store{
		repo:    repo,
		changes: pubsub.New[Change](0),
		log:     log,
	}
}

// Subscribe returns store changes until cancel is called.
func (s *Store) Subscribe() (<-chan Change, func()) {
	return s.changes.Subscribe()
}

func (s *Store) get(key string) (string, bool) {
	value, err := s.repo.Get(key)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.log.Warn().Err(err).Str("key", key).Msg("failed to read session key")
		}
		return "", false
	}
	return value, value != ""
}

func (s *Store) AccessToken() (string, bool) {
	return s.get(KeyAccessToken)
}

func (s *Store) RefreshToken() (string, bool) {
	return s.get(KeyRefreshToken)
}

func (s *Store) Provider() (string, bool) {
	return s.get(KeyAuthProvider)
}

// Identity returns the cached profile, or nil when none is stored. A
// profile that no longer parses is reported as an error.
func (s *Store) Identity() (*auth.Identity, error) {
	raw, ok := s.get(KeyUser)
	if !ok {
		return nil, nil
	}
	var identity auth.Identity
	if err := json.Unmarshal([]byte(raw), &identity); err != nil {
		return nil, fmt.Errorf("cached user profile is corrupt: %w", err)
	}
	return &identity, nil
}

// Session assembles the stored values. A corrupt profile is left out.
func (s *Store) Session() auth.Session {
	var sess auth.Session
	sess.AccessToken, _ = s.AccessToken()
	sess.RefreshToken, _ = s.RefreshToken()
	sess.Provider, _ = s.Provider()
	if identity, err := s.Identity(); err == nil {
		sess.Identity = identity
	}
	return sess
}

// Save writes the non-empty parts of sess in one notification. A failed
// write puts back the keys this call already changed, so the store holds
// either all of sess or none of it.
func (s *Store) Save(sess auth.Session) error {
	type entry struct {
		key, value, label string
	}
	entries := []entry{
		{KeyAccessToken, sess.AccessToken, "access token"},
		{KeyRefreshToken, sess.RefreshToken, "refresh token"},
		{KeyAuthProvider, sess.Provider, "auth provider"},
	}
	if sess.Identity != nil {
		data, err := json.Marshal(sess.Identity)
		if err != nil {
			return fmt.Errorf("failed to marshal user profile: %w", err)
		}
		entries = append(entries, entry{KeyUser, string(data), "user profile"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var written []prior
	for _, e := range entries {
		if e.value == "" {
			continue
		}
		p, err := s.snapshot(e.key)
		if err == nil {
			err = s.repo.Set(e.key, e.value)
		}
		if err != nil {
			s.rollback(written)
			return fmt.Errorf("failed to store %s: %w", e.label, err)
		}
		written = append(written, p)
	}

	if len(written) > 0 {
		keys := make([]string, len(written))
		for i, p := range written {
			keys[i] = p.key
		}
		s.changes.Publish(Change{Keys: keys})
	}
	return nil
}

// prior is a key's value before Save touched it.
type prior struct {
	key     string
	value   string
	existed bool
}

func (s *Store) snapshot(key string) (prior, error) {
	value, err := s.repo.Get(key)
	switch {
	case err == nil:
		return prior{key: key, value: value, existed: true}, nil
	case errors.Is(err, repository.ErrNotFound):
		return prior{key: key}, nil
	default:
		return prior{}, err
	}
}

func (s *Store) rollback(written []prior) {
	for i := len(written) - 1; i >= 0; i-- {
		p := written[i]
		var err error
		if p.existed {
			err = s.repo.Set(p.key, p.value)
		} else {
			err = s.repo.Delete(p.key)
		}
		if err != nil {
			s.log.Error().Err(err).Str("key", p.key).Msg("failed to roll back session key")
		}
	}
}

// Purge removes the whole session and notifies subscribers.
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, key := range Keys {
		if err := s.repo.Delete(key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.repo.Purge(); err != nil {
		errs = append(errs, err)
	}

	s.changes.Publish(Change{Cleared: true})

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to purge session: %w", err)
	}
	return nil
}

// Close ends all subscriptions.
func (s *Store) Close() {
	s.changes.Close()
}

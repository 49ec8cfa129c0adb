package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ProfileSource fetches the profile of the user the stored token belongs to.
type ProfileSource interface {
	Profile(ctx context.Context) (Participant, error)
}

// Session holds the signed in identity and gives access to its token.
type Session struct {
	tokens   TokenStore
	profiles ProfileSource
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	identity *Participant
	err      error
}

func NewSession(tokens TokenStore, profiles ProfileSource, logger *slog.Logger) *Session {
	return &Session{
		tokens:   tokens,
		profiles: profiles,
		logger:   logger,
		now:      time.Now,
	}
}

// Init restores the session from the stored token. A token that cannot fetch
// a profile is erased. Having no token is not an error.
func (s *Session) Init(ctx context.Context) error {
	if _, err := s.Token(ctx); err != nil {
		if errors.Is(err, ErrNoToken) {
			return nil
		}
		s.logger.Info(fmt.Sprintf("discarding stored token: %v", err))
		return s.Logout(ctx)
	}
	return s.FetchUser(ctx)
}

// SetToken stores token and loads the matching profile. On failure the
// session is logged out and the error returned.
func (s *Session) SetToken(ctx context.Context, token string) error {
	if err := CheckToken(token, s.now()); err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	if err := s.tokens.SetToken(ctx, token); err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	return s.FetchUser(ctx)
}

// FetchUser refreshes the identity from the backend. Any failure logs the
// session out.
func (s *Session) FetchUser(ctx context.Context) error {
	p, err := s.profiles.Profile(ctx)
	if err == nil && p.ID == "" {
		err = errors.New("profile has no id")
	}
	if err != nil {
		err = fmt.Errorf("fetch user: %w", err)
		s.logger.Error(err.Error())
		if logoutErr := s.Logout(ctx); logoutErr != nil {
			s.logger.Error(logoutErr.Error())
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return err
	}

	p = p.withDefaults()
	s.mu.Lock()
	s.identity = &p
	s.err = nil
	s.mu.Unlock()
	s.logger.Info(fmt.Sprintf("signed in as %s (%s)", p.Username, p.ID))
	return nil
}

// Logout erases the stored token and forgets the identity.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.identity = nil
	s.mu.Unlock()
	if err := s.tokens.DeleteToken(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Identity returns the signed in user.
func (s *Session) Identity() (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return Participant{}, false
	}
	return *s.identity, true
}

func (s *Session) IsAuthenticated() bool {
	_, ok := s.Identity()
	return ok
}

// Token returns the stored token if it is still usable. It returns
// ErrNoToken or ErrTokenExpired otherwise.
func (s *Session) Token(ctx context.Context) (string, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	if err := CheckToken(token, s.now()); err != nil {
		return "", err
	}
	return token, nil
}

// Err returns the failure of the last profile fetch.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

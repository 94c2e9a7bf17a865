// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoCredentials is returned when the device is not connected to a server
var ErrNoCredentials = errors.New("no server credentials stored")

const (
	serverURLKey = "auth/server_url"
	tokenKey     = "auth/token"
)

// Settings is the key/value storage credentials are kept in
type Settings interface {
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// Credentials connect the device to a sync server
type Credentials struct {
	ServerURL string
	Token     string
}

// UserID returns the 'sub' claim of the token
func (c Credentials) UserID() (string, error) {
	return UserIDFromToken(c.Token)
}

// CredentialStore persists credentials in the local store
type CredentialStore struct {
	settings Settings
}

func NewCredentialStore(settings Settings) *CredentialStore {
	return &CredentialStore{settings: settings}
}

// Load returns the stored credentials or ErrNoCredentials
func (s *CredentialStore) Load(ctx context.Context) (Credentials, error) {
	token, ok, err := s.settings.Setting(ctx, tokenKey)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to load token: %w", err)
	}
	if !ok || token == "" {
		return Credentials{}, ErrNoCredentials
	}
	serverURL, _, err := s.settings.Setting(ctx, serverURLKey)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to load server url: %w", err)
	}
	return Credentials{ServerURL: serverURL, Token: token}, nil
}

// Save stores credentials, replacing previous ones
func (s *CredentialStore) Save(ctx context.Context, c Credentials) error {
	if c.Token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if err := s.settings.SetSetting(ctx, serverURLKey, c.ServerURL); err != nil {
		return err
	}
	return s.settings.SetSetting(ctx, tokenKey, c.Token)
}

// Clear removes stored credentials
func (s *CredentialStore) Clear(ctx context.Context) error {
	if err := s.settings.DeleteSetting(ctx, tokenKey); err != nil {
		return err
	}
	return s.settings.DeleteSetting(ctx, serverURLKey)
}

// Token returns the stored token; suitable as a request token func
func (s *CredentialStore) Token(ctx context.Context) (string, error) {
	c, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	return c.Token, nil
}

// CurrentUserID resolves the user of the stored token
func (s *CredentialStore) CurrentUserID(ctx context.Context) (string, error) {
	c, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	return c.UserID()
}

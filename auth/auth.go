// Copyright 2026 The Menmos Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package auth issues and validates the two credential kinds of the
// directory: long-lived session tokens tied to a principal, and
// short-lived per-blob grants that let clients bypass the directory for
// bulk data transfer.
package auth

import (
	"context"
	"time"

	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/proto"
)

const EncryptionKeyLength = 32

const (
	defaultSessionTTL = 6 * time.Hour
	defaultGrantTTL   = 5 * time.Minute
)

// Principal is the identity carried by a verified session or node token.
type Principal struct {
	Username string
	IsAdmin  bool
	IsNode   bool
	NodeID   string
}

// UserStore is the slice of the metadata store the credential service
// needs.
type UserStore interface {
	GetUser(ctx context.Context, username string) (*proto.UserRecord, error)
	HasUser(ctx context.Context, username string) (bool, error)
	PutUser(ctx context.Context, rec proto.UserRecord) error
}

type Config struct {
	// EncryptionKey signs every credential. Exactly 32 bytes.
	EncryptionKey string `json:"encryption_key"`

	SessionTTLS int `json:"session_ttl_s"`
	GrantTTLS   int `json:"grant_ttl_s"`
}

type Service struct {
	key        []byte
	users      UserStore
	sessionTTL time.Duration
	grantTTL   time.Duration
}

func NewService(cfg *Config, users UserStore) (*Service, error) {
	if len(cfg.EncryptionKey) != EncryptionKeyLength {
		return nil, errors.Newf(errors.KindBadRequest, "encryption key must be exactly %d bytes", EncryptionKeyLength)
	}
	s := &Service{
		key:        []byte(cfg.EncryptionKey),
		users:      users,
		sessionTTL: defaultSessionTTL,
		grantTTL:   defaultGrantTTL,
	}
	if cfg.SessionTTLS > 0 {
		s.sessionTTL = time.Duration(cfg.SessionTTLS) * time.Second
	}
	if cfg.GrantTTLS > 0 {
		s.grantTTL = time.Duration(cfg.GrantTTLS) * time.Second
	}
	return s, nil
}

// DefaultGrantTTL is the grant lifetime used when the caller passes no
// explicit TTL.
func (s *Service) DefaultGrantTTL() time.Duration { return s.grantTTL }

// IssueSession authenticates username/password and mints a session
// token. Unknown users and wrong passwords are indistinguishable.
func (s *Service) IssueSession(ctx context.Context, username, password string) (string, error) {
	user, err := s.users.GetUser(ctx, username)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			return "", errors.ErrUnauthorized
		}
		return "", err
	}
	ok, err := VerifyPassword(user.PasswordHash, password)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.ErrUnauthorized
	}
	return s.signToken(&sessionClaims{
		Username:         user.Username,
		Admin:            user.IsAdmin,
		RegisteredClaims: stamped(s.sessionTTL),
	})
}

// VerifySession validates a session or node identity token. Signature
// failure and expiry are not distinguished to the caller.
func (s *Service) VerifySession(ctx context.Context, token string) (Principal, error) {
	var sc sessionClaims
	if err := s.parseToken(token, &sc); err == nil && sc.Username != "" {
		return Principal{Username: sc.Username, IsAdmin: sc.Admin}, nil
	}
	var nc nodeClaims
	if err := s.parseToken(token, &nc); err == nil && nc.NodeID != "" {
		return Principal{IsNode: true, NodeID: nc.NodeID}, nil
	}
	return Principal{}, errors.ErrInvalidSession
}

// IssueNodeToken mints the identity credential handed to a storage node
// at registration; the node presents it on node-facing endpoints.
func (s *Service) IssueNodeToken(nodeID string, ttl time.Duration) (string, error) {
	return s.signToken(&nodeClaims{
		NodeID:           nodeID,
		RegisteredClaims: stamped(ttl),
	})
}

// IssueGrant mints a short-lived credential for one operation on one
// blob.
func (s *Service) IssueGrant(ctx context.Context, blobID string, op GrantOp, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = s.grantTTL
	}
	return s.signToken(&grantClaims{
		BlobID:           blobID,
		Op:               op,
		RegisteredClaims: stamped(ttl),
	})
}

// VerifyGrant checks signature, expiry and scope. Every failure mode
// collapses to the same rejection.
func (s *Service) VerifyGrant(ctx context.Context, token, blobID string, op GrantOp) error {
	var gc grantClaims
	if err := s.parseToken(token, &gc); err != nil {
		return errors.ErrRejectedGrant
	}
	if gc.BlobID != blobID || gc.Op != op {
		return errors.ErrRejectedGrant
	}
	return nil
}

// Register creates a user with an argon2id password hash.
func (s *Service) Register(ctx context.Context, username, password string, isAdmin bool) error {
	if username == "" || password == "" {
		return errors.New(errors.KindBadRequest, "username and password are required")
	}
	exists, err := s.users.HasUser(ctx, username)
	if err != nil {
		return err
	}
	if exists {
		return errors.ErrUserExists
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.users.PutUser(ctx, proto.UserRecord{
		Username:     username,
		PasswordHash: hash,
		IsAdmin:      isAdmin,
	})
}

// EnsureUser registers username if it does not exist yet. Used to
// bootstrap the admin account from config.
func (s *Service) EnsureUser(ctx context.Context, username, password string, isAdmin bool) error {
	err := s.Register(ctx, username, password, isAdmin)
	if err != nil && errors.KindOf(err) == errors.KindConflict {
		return nil
	}
	return err
}

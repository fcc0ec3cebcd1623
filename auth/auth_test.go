package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/proto"
)

const testKey = "0123456789abcdef0123456789abcdef"

type memUsers struct {
	users map[string]proto.UserRecord
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[string]proto.UserRecord)}
}

func (m *memUsers) GetUser(ctx context.Context, username string) (*proto.UserRecord, error) {
	rec, ok := m.users[username]
	if !ok {
		return nil, errors.ErrUserNotFound
	}
	return &rec, nil
}

func (m *memUsers) HasUser(ctx context.Context, username string) (bool, error) {
	_, ok := m.users[username]
	return ok, nil
}

func (m *memUsers) PutUser(ctx context.Context, rec proto.UserRecord) error {
	m.users[rec.Username] = rec
	return nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(&Config{EncryptionKey: testKey}, newMemUsers())
	require.NoError(t, err)
	require.NoError(t, s.Register(context.TODO(), "alice", "hunter2", false))
	require.NoError(t, s.Register(context.TODO(), "root", "toor", true))
	return s
}

func TestNewService_KeyLength(t *testing.T) {
	_, err := NewService(&Config{EncryptionKey: "short"}, newMemUsers())
	require.Error(t, err)
}

func TestSession_IssueVerify(t *testing.T) {
	ctx := context.TODO()
	s := newTestService(t)

	token, err := s.IssueSession(ctx, "alice", "hunter2")
	require.NoError(t, err)

	p, err := s.VerifySession(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "alice", p.Username)
	require.False(t, p.IsAdmin)
	require.False(t, p.IsNode)

	admin, err := s.IssueSession(ctx, "root", "toor")
	require.NoError(t, err)
	p, err = s.VerifySession(ctx, admin)
	require.NoError(t, err)
	require.True(t, p.IsAdmin)
}

func TestSession_BadCredentials(t *testing.T) {
	ctx := context.TODO()
	s := newTestService(t)

	_, err := s.IssueSession(ctx, "alice", "wrong")
	require.ErrorIs(t, err, errors.ErrUnauthorized)

	// Unknown users fail the same way as wrong passwords.
	_, err = s.IssueSession(ctx, "nobody", "hunter2")
	require.ErrorIs(t, err, errors.ErrUnauthorized)
}

func TestSession_TamperedToken(t *testing.T) {
	ctx := context.TODO()
	s := newTestService(t)

	token, err := s.IssueSession(ctx, "alice", "hunter2")
	require.NoError(t, err)

	_, err = s.VerifySession(ctx, token+"x")
	require.ErrorIs(t, err, errors.ErrInvalidSession)

	other, err := NewService(&Config{EncryptionKey: strings.Repeat("k", 32)}, newMemUsers())
	require.NoError(t, err)
	_, err = other.VerifySession(ctx, token)
	require.ErrorIs(t, err, errors.ErrInvalidSession)
}

func TestSession_Expiry(t *testing.T) {
	ctx := context.TODO()
	users := newMemUsers()
	s, err := NewService(&Config{EncryptionKey: testKey, SessionTTLS: -1}, users)
	require.NoError(t, err)
	s.sessionTTL = -time.Minute
	require.NoError(t, s.Register(ctx, "alice", "pw", false))

	token, err := s.IssueSession(ctx, "alice", "pw")
	require.NoError(t, err)
	_, err = s.VerifySession(ctx, token)
	require.ErrorIs(t, err, errors.ErrInvalidSession)
}

func TestGrant_ScopeAndExpiry(t *testing.T) {
	ctx := context.TODO()
	s := newTestService(t)

	token, err := s.IssueGrant(ctx, "b1", GrantRead, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.VerifyGrant(ctx, token, "b1", GrantRead))

	// Wrong blob, wrong op and expiry all collapse to the same error.
	require.ErrorIs(t, s.VerifyGrant(ctx, token, "b2", GrantRead), errors.ErrRejectedGrant)
	require.ErrorIs(t, s.VerifyGrant(ctx, token, "b1", GrantWrite), errors.ErrRejectedGrant)

	expired, err := s.IssueGrant(ctx, "b1", GrantRead, -time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, s.VerifyGrant(ctx, expired, "b1", GrantRead), errors.ErrRejectedGrant)

	// A grant is not a session.
	_, err = s.VerifySession(ctx, token)
	require.ErrorIs(t, err, errors.ErrInvalidSession)
}

func TestNodeToken(t *testing.T) {
	ctx := context.TODO()
	s := newTestService(t)

	token, err := s.IssueNodeToken("n1", time.Hour)
	require.NoError(t, err)

	p, err := s.VerifySession(ctx, token)
	require.NoError(t, err)
	require.True(t, p.IsNode)
	require.Equal(t, "n1", p.NodeID)
	require.Empty(t, p.Username)
}

func TestRegister_Duplicate(t *testing.T) {
	ctx := context.TODO()
	s := newTestService(t)

	require.ErrorIs(t, s.Register(ctx, "alice", "again", false), errors.ErrUserExists)
	require.NoError(t, s.EnsureUser(ctx, "alice", "again", false))
}

func TestHashPassword_RoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$"))

	ok, err := VerifyPassword(hash, "s3cret")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyPassword(hash, "wrong")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = VerifyPassword("garbage", "s3cret")
	require.Error(t, err)
}

package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovasabi-labs/filehub/internal/fastkv"
)

func newService() *Service {
	return New(fastkv.NewMemory(time.Now), nil)
}

func TestIssueAndValidate(t *testing.T) {
	s := newService()
	ctx := context.Background()

	b, err := s.Issue(ctx, "file-1", "user-1", IssueOptions{
		Permissions: []Permission{PermissionRead, PermissionDownload},
	})
	require.NoError(t, err)
	require.NotEmpty(t, b.Token)

	got, err := s.Validate(ctx, b.Token, PermissionRead, "")
	require.NoError(t, err)
	assert.Equal(t, "file-1", got.FileID)
}

func TestValidate_WrongPermission(t *testing.T) {
	s := newService()
	ctx := context.Background()
	b, err := s.Issue(ctx, "file-1", "user-1", IssueOptions{Permissions: []Permission{PermissionRead}})
	require.NoError(t, err)

	_, err = s.Validate(ctx, b.Token, PermissionDownload, "")
	assert.Error(t, err)
}

func TestValidate_IPPin(t *testing.T) {
	s := newService()
	ctx := context.Background()
	b, err := s.Issue(ctx, "file-1", "user-1", IssueOptions{
		Permissions: []Permission{PermissionDownload},
		IPPin:       "1.2.3.4",
	})
	require.NoError(t, err)

	_, err = s.Validate(ctx, b.Token, PermissionDownload, "9.9.9.9")
	assert.Error(t, err)

	_, err = s.Validate(ctx, b.Token, PermissionDownload, "1.2.3.4")
	assert.NoError(t, err)
}

func TestValidate_MaxUses(t *testing.T) {
	s := newService()
	ctx := context.Background()
	b, err := s.Issue(ctx, "file-1", "user-1", IssueOptions{
		Permissions: []Permission{PermissionDownload},
		MaxUses:     1,
	})
	require.NoError(t, err)

	_, err = s.Validate(ctx, b.Token, PermissionDownload, "")
	require.NoError(t, err)

	_, err = s.Validate(ctx, b.Token, PermissionDownload, "")
	assert.Error(t, err)
}

func TestRevoke(t *testing.T) {
	s := newService()
	ctx := context.Background()
	b, err := s.Issue(ctx, "file-1", "user-1", IssueOptions{Permissions: []Permission{PermissionRead}})
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, b.Token, "user-1"))

	_, err = s.Validate(ctx, b.Token, PermissionRead, "")
	assert.Error(t, err)
}

func TestRevoke_UserMismatch(t *testing.T) {
	s := newService()
	ctx := context.Background()
	b, err := s.Issue(ctx, "file-1", "user-1", IssueOptions{Permissions: []Permission{PermissionRead}})
	require.NoError(t, err)

	err = s.Revoke(ctx, b.Token, "someone-else")
	assert.Error(t, err)
}

func TestIssue_ExpiryClamped(t *testing.T) {
	s := newService()
	ctx := context.Background()

	b, err := s.Issue(ctx, "file-1", "user-1", IssueOptions{ExpiresIn: time.Second})
	require.NoError(t, err)
	assert.True(t, b.ExpiresAt.After(time.Now().Add(minExpiry-time.Second)))

	b2, err := s.Issue(ctx, "file-1", "user-1", IssueOptions{ExpiresIn: 48 * time.Hour})
	require.NoError(t, err)
	assert.True(t, b2.ExpiresAt.Before(time.Now().Add(maxExpiry+time.Second)))
}

func TestListForUser(t *testing.T) {
	s := newService()
	ctx := context.Background()
	_, err := s.Issue(ctx, "file-1", "user-1", IssueOptions{})
	require.NoError(t, err)
	_, err = s.Issue(ctx, "file-2", "user-1", IssueOptions{})
	require.NoError(t, err)

	toks, err := s.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, toks, 2)
}

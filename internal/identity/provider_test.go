package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
)

// fakeIdP scripts the remote half of the provider.
type fakeIdP struct {
	groups     []string
	groupsErr  error
	groupCalls int
}

func (f *fakeIdP) ValidateAccessToken(ctx context.Context, token string) (*contracts.TokenIntrospection, error) {
	return &contracts.TokenIntrospection{Active: true, Subject: "ak-1"}, nil
}

func (f *fakeIdP) ListActiveSessions(ctx context.Context, userID string) ([]contracts.IdPSession, error) {
	return nil, nil
}

func (f *fakeIdP) ListUserGroups(ctx context.Context, userID string) ([]string, error) {
	f.groupCalls++
	return f.groups, f.groupsErr
}

func TestProviderMergesIdPGroups(t *testing.T) {
	composer, s := newTestComposer(t)
	seedGraph(t, s)

	idp := &fakeIdP{groups: []string{"engineering", "platform", "g-child"}}
	provider := NewProvider(idp, composer)

	identity, err := provider.BuildEffectiveIdentity(context.Background(), "u-1", contracts.IdentityOptions{})
	require.NoError(t, err)

	// Local group ids come first; IdP names append, duplicates collapse.
	assert.Equal(t, []string{"g-child", "engineering", "platform"}, identity.Groups)
	assert.Equal(t, 1, idp.groupCalls)
}

func TestProviderGroupLookupFailureIsNotFatal(t *testing.T) {
	composer, s := newTestComposer(t)
	seedGraph(t, s)

	idp := &fakeIdP{groupsErr: cerrors.Upstream("identity provider unreachable", nil)}
	provider := NewProvider(idp, composer)

	identity, err := provider.BuildEffectiveIdentity(context.Background(), "u-1", contracts.IdentityOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"g-child"}, identity.Groups)
}

func TestProviderSkipsIdPGroupsWhenExcluded(t *testing.T) {
	composer, s := newTestComposer(t)
	seedGraph(t, s)

	idp := &fakeIdP{groups: []string{"engineering"}}
	provider := NewProvider(idp, composer)

	exclude := false
	identity, err := provider.BuildEffectiveIdentity(context.Background(), "u-1", contracts.IdentityOptions{
		IncludeGroups: &exclude,
	})
	require.NoError(t, err)
	assert.Empty(t, identity.Groups)
	assert.Equal(t, 0, idp.groupCalls)
}

package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-iam/catalyst/internal/store"
	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

func newTestComposer(t *testing.T) (*Composer, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewComposer(s), s
}

func seedGraph(t *testing.T, s *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.UpsertUserProfile(ctx, &models.UserProfile{
		ID:           "u-1",
		AuthentikID:  "ak-1",
		Email:        "dev@example.com",
		PrimaryOrgID: "o-1",
		Labels:       models.Labels{"tier": "free", "source": "user"},
	})
	require.NoError(t, err)

	_, err = s.UpsertOrgProfile(ctx, &models.OrgProfile{
		ID:      "o-1",
		Slug:    "acme",
		Status:  models.OrgActive,
		Profile: map[string]any{"name": "Acme"},
		Labels:  models.Labels{"tier": "team", "region": "eu"},
	})
	require.NoError(t, err)

	_, err = s.UpsertGroup(ctx, &models.Group{
		ID: "g-root", OrgID: "o-1", Slug: "eng", Name: "engineering",
		Labels: models.Labels{"dept": "eng", "oncall": false},
	})
	require.NoError(t, err)
	_, err = s.UpsertGroup(ctx, &models.Group{
		ID: "g-child", OrgID: "o-1", Slug: "platform", Name: "platform",
		ParentGroupID: "g-root",
		Labels:        models.Labels{"oncall": true},
	})
	require.NoError(t, err)

	_, err = s.CreateMembership(ctx, &models.Membership{
		ID: "m-1", UserID: "u-1", OrgID: "o-1", Role: "admin",
		GroupIDs:    []string{"g-child"},
		LabelsDelta: models.Labels{"tier": "enterprise"},
	})
	require.NoError(t, err)
}

func TestBuildLabelPrecedence(t *testing.T) {
	composer, s := newTestComposer(t)
	seedGraph(t, s)

	identity, err := composer.Build(context.Background(), "u-1", contracts.IdentityOptions{})
	require.NoError(t, err)

	assert.Equal(t, "u-1", identity.UserID)
	assert.Equal(t, "o-1", identity.OrgID)
	assert.Equal(t, []string{"admin"}, identity.Roles)

	// user "free" < org "team" < membership "enterprise".
	assert.Equal(t, "enterprise", identity.Labels["tier"])
	// org-only label survives.
	assert.Equal(t, "eu", identity.Labels["region"])
	// user-only label survives.
	assert.Equal(t, "user", identity.Labels["source"])
	// child group overrides its parent within one ancestry.
	assert.Equal(t, true, identity.Labels["oncall"])
	assert.Equal(t, "eng", identity.Labels["dept"])

	// Groups lists the direct group ids, not their ancestors.
	assert.Equal(t, []string{"g-child"}, identity.Groups)
}

func TestBuildGroupCycleTerminates(t *testing.T) {
	composer, s := newTestComposer(t)
	seedGraph(t, s)
	ctx := context.Background()

	// g-root now points back at g-child, closing a cycle.
	_, err := s.UpsertGroup(ctx, &models.Group{
		ID: "g-root", OrgID: "o-1", Slug: "eng", Name: "engineering",
		ParentGroupID: "g-child",
		Labels:        models.Labels{"dept": "eng"},
	})
	require.NoError(t, err)

	identity, err := composer.Build(ctx, "u-1", contracts.IdentityOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"g-child"}, identity.Groups)
	assert.Equal(t, "eng", identity.Labels["dept"])
}

func TestBuildMissingGroupsArePruned(t *testing.T) {
	composer, s := newTestComposer(t)
	seedGraph(t, s)
	ctx := context.Background()

	_, err := s.CreateMembership(ctx, &models.Membership{
		ID: "m-ghost", UserID: "u-1", OrgID: "o-1", Role: "viewer",
		GroupIDs: []string{"g-child", "g-deleted"},
	})
	require.NoError(t, err)

	identity, err := composer.Build(ctx, "u-1",
		contracts.IdentityOptions{MembershipID: "m-ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"g-child"}, identity.Groups)
}

func TestBuildEntitlementUnion(t *testing.T) {
	composer, s := newTestComposer(t)
	seedGraph(t, s)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	grants := []models.Entitlement{
		{ID: "e-3", SubjectKind: models.SubjectMembership, SubjectID: "m-1", Entitlement: "exports", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "e-1", SubjectKind: models.SubjectUser, SubjectID: "u-1", Entitlement: "beta", CreatedAt: base},
		{ID: "e-2", SubjectKind: models.SubjectOrg, SubjectID: "o-1", Entitlement: "sso", CreatedAt: base.Add(time.Hour)},
		// Duplicate name granted later must not repeat.
		{ID: "e-4", SubjectKind: models.SubjectOrg, SubjectID: "o-1", Entitlement: "beta", CreatedAt: base.Add(3 * time.Hour)},
	}
	for i := range grants {
		_, err := s.GrantEntitlement(ctx, &grants[i])
		require.NoError(t, err)
	}

	identity, err := composer.Build(ctx, "u-1", contracts.IdentityOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "sso", "exports"}, identity.Entitlements)
}

func TestBuildWithoutMembership(t *testing.T) {
	composer, s := newTestComposer(t)
	ctx := context.Background()

	_, err := s.UpsertUserProfile(ctx, &models.UserProfile{
		ID: "u-solo", AuthentikID: "ak-solo", Email: "solo@example.com",
		Labels: models.Labels{"tier": "free"},
	})
	require.NoError(t, err)

	identity, err := composer.Build(ctx, "u-solo", contracts.IdentityOptions{})
	require.NoError(t, err)
	assert.Empty(t, identity.OrgID)
	assert.Empty(t, identity.Roles)
	assert.Equal(t, []string{}, identity.Groups)
	assert.Equal(t, "free", identity.Labels["tier"])
}

func TestBuildExcludeGroups(t *testing.T) {
	composer, s := newTestComposer(t)
	seedGraph(t, s)

	no := false
	identity, err := composer.Build(context.Background(), "u-1",
		contracts.IdentityOptions{IncludeGroups: &no})
	require.NoError(t, err)
	assert.Equal(t, []string{}, identity.Groups)
	// Group labels are excluded along with the groups themselves.
	_, hasDept := identity.Labels["dept"]
	assert.False(t, hasDept)
	assert.Equal(t, "enterprise", identity.Labels["tier"])
}

func TestBuildMembershipOwnershipCheck(t *testing.T) {
	composer, s := newTestComposer(t)
	seedGraph(t, s)
	ctx := context.Background()

	_, err := s.UpsertUserProfile(ctx, &models.UserProfile{
		ID: "u-2", AuthentikID: "ak-2", Email: "other@example.com",
	})
	require.NoError(t, err)

	_, err = composer.Build(ctx, "u-2", contracts.IdentityOptions{MembershipID: "m-1"})
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeValidation, cerrors.Code(err))

	// A membership outside the requested org is rejected too.
	_, err = composer.Build(ctx, "u-1",
		contracts.IdentityOptions{MembershipID: "m-1", OrgID: "o-other"})
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeValidation, cerrors.Code(err))
}

func TestBuildUnknownUser(t *testing.T) {
	composer, _ := newTestComposer(t)
	_, err := composer.Build(context.Background(), "ghost", contracts.IdentityOptions{})
	assert.True(t, cerrors.IsNotFound(err))
}

func TestBuildExplicitOrgWithoutMembership(t *testing.T) {
	composer, s := newTestComposer(t)
	seedGraph(t, s)
	ctx := context.Background()

	_, err := s.UpsertOrgProfile(ctx, &models.OrgProfile{
		ID: "o-2", Slug: "globex", Status: models.OrgActive,
		Profile: map[string]any{"name": "Globex"},
		Labels:  models.Labels{"region": "us"},
	})
	require.NoError(t, err)

	// The org context applies even though the user holds no membership there.
	identity, err := composer.Build(ctx, "u-1", contracts.IdentityOptions{OrgID: "o-2"})
	require.NoError(t, err)
	assert.Equal(t, "o-2", identity.OrgID)
	assert.Empty(t, identity.Roles)
	assert.Equal(t, "us", identity.Labels["region"])
}

func TestBuildExplicitUnknownOrgFails(t *testing.T) {
	composer, s := newTestComposer(t)
	seedGraph(t, s)

	_, err := composer.Build(context.Background(), "u-1",
		contracts.IdentityOptions{OrgID: "o-ghost"})
	assert.True(t, cerrors.IsNotFound(err))
}

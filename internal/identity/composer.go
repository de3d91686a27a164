// Package identity composes effective identities from the locally stored
// profile graph: user, org, membership, groups and entitlements.
package identity

import (
	"context"
	"sort"

	"github.com/catalyst-iam/catalyst/internal/store"
	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

// composerStore is the slice of the store the composer reads from.
type composerStore interface {
	store.ProfileStore
	store.GroupStore
	store.MembershipStore
	store.EntitlementStore
}

// Composer builds EffectiveIdentity records.
type Composer struct {
	store composerStore
}

// NewComposer wires a composer to its store.
func NewComposer(s composerStore) *Composer {
	return &Composer{store: s}
}

// entSubject is one (kind, id) pair whose entitlements feed the union.
type entSubject struct {
	kind models.SubjectKind
	id   string
}

// Build joins the profile graph into one identity.
//
// The org context resolves as: explicit org, then the membership's org, then
// the user's primary org. An explicit org that does not exist is an error;
// a user with no membership still gets an identity. Label precedence is
// user, org, membership, then groups; later layers win. Group parent chains
// contribute labels only; the Groups list carries the direct group ids.
func (c *Composer) Build(ctx context.Context, userID string, opts contracts.IdentityOptions) (*models.EffectiveIdentity, error) {
	user, err := c.store.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		// Token subjects are external ids; fall back to the IdP-id index.
		user, err = c.store.GetUserProfileByAuthentikID(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
	if user == nil {
		return nil, cerrors.NotFound("user", userID)
	}

	membership, err := c.resolveMembership(ctx, user, opts)
	if err != nil {
		return nil, err
	}

	orgID := opts.OrgID
	if orgID == "" && membership != nil {
		orgID = membership.OrgID
	}
	if orgID == "" {
		orgID = user.PrimaryOrgID
	}

	var org *models.OrgProfile
	if orgID != "" {
		org, err = c.store.GetOrgProfile(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if org == nil && opts.OrgID != "" {
			return nil, cerrors.NotFound("org", opts.OrgID)
		}
	}

	identity := &models.EffectiveIdentity{
		UserID:       user.ID,
		OrgID:        orgID,
		Groups:       []string{},
		Roles:        []string{},
		Entitlements: []string{},
		Scopes:       []string{},
	}

	layers := []models.Labels{user.Labels}
	entSubjects := []entSubject{{models.SubjectUser, user.ID}}

	if org != nil {
		layers = append(layers, org.Labels)
	}
	if orgID != "" {
		entSubjects = append(entSubjects, entSubject{models.SubjectOrg, orgID})
	}

	if membership != nil {
		layers = append(layers, membership.LabelsDelta)
		entSubjects = append(entSubjects, entSubject{models.SubjectMembership, membership.ID})
		if membership.Role != "" {
			identity.Roles = []string{membership.Role}
		}

		if opts.WantGroups() {
			groupIDs, groupLabels, err := c.resolveGroups(ctx, membership.GroupIDs)
			if err != nil {
				return nil, err
			}
			identity.Groups = groupIDs
			layers = append(layers, groupLabels)
		}
	}

	identity.Labels = models.MergeLabels(layers...)

	entitlements, err := c.collectEntitlements(ctx, entSubjects)
	if err != nil {
		return nil, err
	}
	identity.Entitlements = entitlements

	return identity, nil
}

func (c *Composer) resolveMembership(ctx context.Context, user *models.UserProfile, opts contracts.IdentityOptions) (*models.Membership, error) {
	if opts.MembershipID != "" {
		membership, err := c.store.GetMembership(ctx, opts.MembershipID)
		if err != nil {
			return nil, err
		}
		if membership == nil {
			return nil, cerrors.NotFound("membership", opts.MembershipID)
		}
		if membership.UserID != user.ID {
			return nil, cerrors.Newf(cerrors.CodeValidation,
				"membership %s does not belong to user %s", membership.ID, user.ID)
		}
		if opts.OrgID != "" && membership.OrgID != opts.OrgID {
			return nil, cerrors.Newf(cerrors.CodeValidation,
				"membership %s does not belong to org %s", membership.ID, opts.OrgID)
		}
		return membership, nil
	}

	if opts.OrgID != "" {
		return c.store.FindMembershipForUserAndOrg(ctx, user.ID, opts.OrgID)
	}

	memberships, err := c.store.ListMembershipsForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return nil, nil
	}
	return &memberships[0], nil
}

// resolveGroups returns the deduped direct group ids that exist, plus the
// merged labels of each group's ancestry. Labels merge in sorted group-id
// order; within one ancestry the child overrides its parents.
func (c *Composer) resolveGroups(ctx context.Context, groupIDs []string) ([]string, models.Labels, error) {
	if len(groupIDs) == 0 {
		return []string{}, models.Labels{}, nil
	}

	ordered := models.DedupeStrings(groupIDs)
	sort.Strings(ordered)

	resolved := make([]string, 0, len(ordered))
	merged := models.Labels{}

	for _, id := range ordered {
		group, err := c.store.GetGroup(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if group == nil {
			continue
		}
		resolved = append(resolved, group.ID)

		chain, err := c.groupChain(ctx, group)
		if err != nil {
			return nil, nil, err
		}
		for _, ancestor := range chain {
			for k, v := range ancestor.Labels {
				merged[k] = v
			}
		}
	}
	return resolved, merged, nil
}

// groupChain returns the group's ancestry ordered root-first. A visited set
// per traversal makes cycles terminate instead of failing.
func (c *Composer) groupChain(ctx context.Context, group *models.Group) ([]models.Group, error) {
	visited := map[string]struct{}{group.ID: {}}
	chain := []models.Group{*group}

	parentID := group.ParentGroupID
	for parentID != "" {
		if _, seen := visited[parentID]; seen {
			break
		}
		visited[parentID] = struct{}{}
		parent, err := c.store.GetGroup(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			break
		}
		// Prepend: the walk goes child to root, the merge wants root first.
		chain = append([]models.Group{*parent}, chain...)
		parentID = parent.ParentGroupID
	}
	return chain, nil
}

func (c *Composer) collectEntitlements(ctx context.Context, subjects []entSubject) ([]string, error) {
	var all []models.Entitlement
	for _, subject := range subjects {
		list, err := c.store.ListEntitlementsForSubject(ctx, subject.kind, subject.id)
		if err != nil {
			return nil, err
		}
		all = append(all, list...)
	}
	models.SortEntitlements(all)
	names := make([]string, 0, len(all))
	for _, ent := range all {
		names = append(names, ent.Entitlement)
	}
	return models.DedupeStrings(names), nil
}

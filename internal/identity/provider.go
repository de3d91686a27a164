package identity

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/catalyst-iam/catalyst/pkg/contracts"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

// introspector is the IdP surface the provider needs.
type introspector interface {
	ValidateAccessToken(ctx context.Context, token string) (*contracts.TokenIntrospection, error)
	ListActiveSessions(ctx context.Context, userID string) ([]contracts.IdPSession, error)
	ListUserGroups(ctx context.Context, userID string) ([]string, error)
}

// Provider implements contracts.IdentityProvider by pairing the remote IdP
// client with the local composer: tokens and sessions come from the IdP,
// the effective identity from the local profile graph.
type Provider struct {
	idp      introspector
	composer *Composer
}

var _ contracts.IdentityProvider = (*Provider)(nil)

// NewProvider wires the two halves together.
func NewProvider(idp introspector, composer *Composer) *Provider {
	return &Provider{idp: idp, composer: composer}
}

func (p *Provider) ValidateAccessToken(ctx context.Context, token string) (*contracts.TokenIntrospection, error) {
	return p.idp.ValidateAccessToken(ctx, token)
}

func (p *Provider) BuildEffectiveIdentity(ctx context.Context, userID string, opts contracts.IdentityOptions) (*models.EffectiveIdentity, error) {
	identity, err := p.composer.Build(ctx, userID, opts)
	if err != nil {
		return nil, err
	}
	if opts.WantGroups() {
		// Enrichment is best effort. The IdP only resolves its own ids
		// (token subjects), and an IdP outage must not block an identity
		// the local graph can already resolve.
		groups, err := p.idp.ListUserGroups(ctx, userID)
		if err != nil {
			log.Debug().Err(err).Str("user_id", userID).
				Msg("idp group enrichment skipped")
			return identity, nil
		}
		identity.Groups = models.DedupeStrings(append(identity.Groups, groups...))
	}
	return identity, nil
}

func (p *Provider) ListActiveSessions(ctx context.Context, userID string) ([]contracts.IdPSession, error) {
	return p.idp.ListActiveSessions(ctx, userID)
}

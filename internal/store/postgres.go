// Package store — PostgreSQL Store implementation on pgx.
//
// Uniqueness lives in the schema (keys.id, keys.hash, org slug); violation
// errors are translated to duplicate_id / duplicate_hash codes. The webhook
// delivery claim is a conditional UPDATE so that concurrent workers cannot
// double-claim a row.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

// PostgresStore implements Store against a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and returns a ready store.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Ping checks database reachability.
func (p *PostgresStore) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// Close releases the pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// Migrate creates the schema. Idempotent; safe to run on every start.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaDDL)
	return err
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS keys (
	id                TEXT PRIMARY KEY,
	hash              TEXT NOT NULL UNIQUE,
	owner_kind        TEXT NOT NULL,
	owner_id          TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	created_by        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ,
	last_used_at      TIMESTAMPTZ,
	usage_count       BIGINT NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'active',
	scopes            JSONB NOT NULL DEFAULT '[]',
	labels            JSONB NOT NULL DEFAULT '{}',
	metadata          JSONB,
	revoked_at        TIMESTAMPTZ,
	revoked_by        TEXT NOT NULL DEFAULT '',
	revocation_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS keys_owner_idx ON keys (owner_kind, owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	last_seen_at     TIMESTAMPTZ NOT NULL,
	factors_verified JSONB NOT NULL DEFAULT '[]',
	metadata         JSONB
);

CREATE TABLE IF NOT EXISTS user_profiles (
	id             TEXT PRIMARY KEY,
	authentik_id   TEXT NOT NULL UNIQUE,
	email          TEXT NOT NULL,
	primary_org_id TEXT NOT NULL DEFAULT '',
	display_name   TEXT NOT NULL DEFAULT '',
	avatar_url     TEXT NOT NULL DEFAULT '',
	labels         JSONB NOT NULL DEFAULT '{}',
	metadata       JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS org_profiles (
	id            TEXT PRIMARY KEY,
	slug          TEXT NOT NULL UNIQUE,
	status        TEXT NOT NULL DEFAULT 'active',
	owner_user_id TEXT NOT NULL DEFAULT '',
	profile       JSONB NOT NULL DEFAULT '{}',
	labels        JSONB NOT NULL DEFAULT '{}',
	settings      JSONB,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	id              TEXT PRIMARY KEY,
	org_id          TEXT NOT NULL,
	slug            TEXT NOT NULL,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	parent_group_id TEXT NOT NULL DEFAULT '',
	labels          JSONB NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS groups_org_slug_idx ON groups (org_id, slug);

CREATE TABLE IF NOT EXISTS memberships (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	org_id       TEXT NOT NULL,
	role         TEXT NOT NULL DEFAULT '',
	group_ids    JSONB NOT NULL DEFAULT '[]',
	labels_delta JSONB NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS memberships_user_idx ON memberships (user_id, created_at);

CREATE TABLE IF NOT EXISTS entitlements (
	id           TEXT PRIMARY KEY,
	subject_kind TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	entitlement  TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	metadata     JSONB
);
CREATE INDEX IF NOT EXISTS entitlements_subject_idx ON entitlements (subject_kind, subject_id, created_at, id);

CREATE TABLE IF NOT EXISTS audit_events (
	id             TEXT PRIMARY KEY,
	occurred_at    TIMESTAMPTZ NOT NULL,
	category       TEXT NOT NULL,
	action         TEXT NOT NULL,
	actor          TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	resource       TEXT NOT NULL DEFAULT '',
	metadata       JSONB,
	correlation_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_events_order_idx ON audit_events (occurred_at, id);

CREATE TABLE IF NOT EXISTS webhook_subscriptions (
	id           TEXT PRIMARY KEY,
	org_id       TEXT NOT NULL DEFAULT '',
	event_types  JSONB NOT NULL,
	target_url   TEXT NOT NULL,
	secret       TEXT NOT NULL,
	headers      JSONB NOT NULL DEFAULT '{}',
	retry_policy JSONB NOT NULL,
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	metadata     JSONB
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id              TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	event_id        TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempt_count   INT NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ,
	next_attempt_at TIMESTAMPTZ,
	payload         JSONB NOT NULL DEFAULT '{}',
	response        JSONB,
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS webhook_deliveries_queue_idx
	ON webhook_deliveries (status, next_attempt_at NULLS FIRST, created_at);
`

// translateUnique maps a 23505 violation to a coded error by constraint name.
func translateUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch {
		case strings.Contains(pgErr.ConstraintName, "hash"):
			return cerrors.New(cerrors.CodeDuplicateHash, "key hash already exists").WithCause(err)
		case strings.Contains(pgErr.ConstraintName, "pkey"):
			return cerrors.New(cerrors.CodeDuplicateID, "id already exists").WithCause(err)
		default:
			return cerrors.New(cerrors.CodeConflict, pgErr.ConstraintName+" violated").WithCause(err)
		}
	}
	return cerrors.Upstream("database write failed", err)
}

func marshalJSON(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

// ── Keys ────────────────────────────────────────────────────

const keyColumns = `id, hash, owner_kind, owner_id, name, description, created_by,
	created_at, updated_at, expires_at, last_used_at, usage_count, status,
	scopes, labels, metadata, revoked_at, revoked_by, revocation_reason`

func scanKey(row pgx.Row) (*models.Key, error) {
	var (
		k                       models.Key
		ownerKind               string
		scopes, labels, metadata []byte
	)
	err := row.Scan(&k.ID, &k.Hash, &ownerKind, &k.Owner.ID, &k.Name, &k.Description,
		&k.CreatedBy, &k.CreatedAt, &k.UpdatedAt, &k.ExpiresAt, &k.LastUsedAt,
		&k.UsageCount, &k.Status, &scopes, &labels, &metadata,
		&k.RevokedAt, &k.RevokedBy, &k.RevocationReason)
	if err != nil {
		return nil, err
	}
	k.Owner.Kind = models.OwnerKind(ownerKind)
	_ = json.Unmarshal(scopes, &k.Scopes)
	_ = json.Unmarshal(labels, &k.Labels)
	if len(metadata) > 0 && string(metadata) != "null" {
		_ = json.Unmarshal(metadata, &k.Metadata)
	}
	k.Status = k.EffectiveStatus(time.Now().UTC())
	return &k, nil
}

func (p *PostgresStore) IssueKey(ctx context.Context, input IssueKeyInput) (*models.Key, error) {
	if input.ID == "" || input.Hash == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "key id and hash are required")
	}
	now := time.Now().UTC()
	labels := input.Labels
	if labels == nil {
		labels = models.Labels{}
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO keys (id, hash, owner_kind, owner_id, name, description, created_by,
			created_at, updated_at, expires_at, scopes, labels, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8,$9,$10,$11,$12)
		RETURNING `+keyColumns,
		input.ID, input.Hash, string(input.Owner.Kind), input.Owner.ID,
		input.Name, input.Description, input.CreatedBy, now, input.ExpiresAt,
		marshalJSON(models.DedupeStrings(input.Scopes)), marshalJSON(labels),
		marshalJSON(input.Metadata))
	key, err := scanKey(row)
	if err != nil {
		return nil, translateUnique(err)
	}
	return key, nil
}

func (p *PostgresStore) GetKeyByID(ctx context.Context, id string) (*models.Key, error) {
	return p.getKey(ctx, "id", id)
}

func (p *PostgresStore) GetKeyByHash(ctx context.Context, hash string) (*models.Key, error) {
	return p.getKey(ctx, "hash", hash)
}

func (p *PostgresStore) getKey(ctx context.Context, column, value string) (*models.Key, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE `+column+` = $1`, value)
	key, err := scanKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Upstream("key lookup failed", err)
	}
	return key, nil
}

func (p *PostgresStore) ListKeysByOwner(ctx context.Context, owner models.KeyOwner, opts ListKeysOptions) ([]models.Key, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+keyColumns+` FROM keys
		WHERE owner_kind = $1 AND owner_id = $2
		ORDER BY created_at DESC`, string(owner.Kind), owner.ID)
	if err != nil {
		return nil, cerrors.Upstream("key listing failed", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	out := make([]models.Key, 0)
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, cerrors.Upstream("key scan failed", err)
		}
		status := key.EffectiveStatus(now)
		if status == models.KeyRevoked && !opts.IncludeRevoked {
			continue
		}
		if status == models.KeyExpired && !opts.IncludeExpired {
			continue
		}
		out = append(out, *key)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordKeyUsage(ctx context.Context, id string, usedAt *time.Time) error {
	at := time.Now().UTC()
	if usedAt != nil {
		at = usedAt.UTC()
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE keys SET usage_count = usage_count + 1, last_used_at = $2, updated_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return cerrors.Upstream("key usage update failed", err)
	}
	if tag.RowsAffected() == 0 {
		return cerrors.NotFound("key", id)
	}
	return nil
}

func (p *PostgresStore) RevokeKey(ctx context.Context, id string, input RevokeKeyInput) (*models.Key, error) {
	at := time.Now().UTC()
	if input.RevokedAt != nil {
		at = input.RevokedAt.UTC()
	}
	row := p.pool.QueryRow(ctx, `
		UPDATE keys SET status = 'revoked', revoked_at = $2, revoked_by = $3,
			revocation_reason = $4, updated_at = $2
		WHERE id = $1
		RETURNING `+keyColumns, id, at, input.RevokedBy, input.Reason)
	key, err := scanKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cerrors.NotFound("key", id)
	}
	if err != nil {
		return nil, cerrors.Upstream("key revoke failed", err)
	}
	return key, nil
}

// ── Sessions ────────────────────────────────────────────────

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var (
		s                 models.Session
		factors, metadata []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, user_id, created_at, last_seen_at, factors_verified, metadata
		FROM sessions WHERE id = $1`, id).
		Scan(&s.ID, &s.UserID, &s.CreatedAt, &s.LastSeenAt, &factors, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Upstream("session lookup failed", err)
	}
	_ = json.Unmarshal(factors, &s.FactorsVerified)
	if len(metadata) > 0 && string(metadata) != "null" {
		_ = json.Unmarshal(metadata, &s.Metadata)
	}
	return &s, nil
}

func (p *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, created_at, last_seen_at, factors_verified, metadata)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		session.ID, session.UserID, session.CreatedAt, session.LastSeenAt,
		marshalJSON(session.FactorsVerified), marshalJSON(session.Metadata))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return cerrors.Newf(cerrors.CodeConflict, "session already exists: %s", session.ID).WithCause(err)
		}
		return cerrors.Upstream("session create failed", err)
	}
	return nil
}

func (p *PostgresStore) TouchSession(ctx context.Context, id string, input TouchSessionInput) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sessions SET last_seen_at = $2, metadata = COALESCE($3, metadata)
		WHERE id = $1`, id, input.LastSeenAt.UTC(), nullableJSON(input.Metadata))
	if err != nil {
		return cerrors.Upstream("session touch failed", err)
	}
	if tag.RowsAffected() == 0 {
		return cerrors.NotFound("session", id)
	}
	return nil
}

func (p *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return cerrors.Upstream("session delete failed", err)
	}
	if tag.RowsAffected() == 0 {
		return cerrors.NotFound("session", id)
	}
	return nil
}

func nullableJSON(v map[string]any) any {
	if v == nil {
		return nil
	}
	return marshalJSON(v)
}

// ── Profiles ────────────────────────────────────────────────

func (p *PostgresStore) UpsertUserProfile(ctx context.Context, profile *models.UserProfile) (*models.UserProfile, error) {
	if profile.ID == "" || profile.AuthentikID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "user id and authentik id are required")
	}
	now := time.Now().UTC()
	labels := profile.Labels
	if labels == nil {
		labels = models.Labels{}
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO user_profiles (id, authentik_id, email, primary_org_id, display_name,
			avatar_url, labels, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
		ON CONFLICT (id) DO UPDATE SET
			authentik_id = EXCLUDED.authentik_id, email = EXCLUDED.email,
			primary_org_id = EXCLUDED.primary_org_id, display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url, labels = EXCLUDED.labels,
			metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at
		RETURNING id, authentik_id, email, primary_org_id, display_name, avatar_url,
			labels, metadata, created_at, updated_at`,
		profile.ID, profile.AuthentikID, profile.Email, profile.PrimaryOrgID,
		profile.DisplayName, profile.AvatarURL, marshalJSON(labels),
		marshalJSON(profile.Metadata), now)
	return scanUserProfile(row)
}

func scanUserProfile(row pgx.Row) (*models.UserProfile, error) {
	var (
		u                models.UserProfile
		labels, metadata []byte
	)
	err := row.Scan(&u.ID, &u.AuthentikID, &u.Email, &u.PrimaryOrgID, &u.DisplayName,
		&u.AvatarURL, &labels, &metadata, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, cerrors.Upstream("user profile scan failed", err)
	}
	_ = json.Unmarshal(labels, &u.Labels)
	if len(metadata) > 0 && string(metadata) != "null" {
		_ = json.Unmarshal(metadata, &u.Metadata)
	}
	return &u, nil
}

func (p *PostgresStore) GetUserProfile(ctx context.Context, id string) (*models.UserProfile, error) {
	return p.getUser(ctx, "id", id)
}

func (p *PostgresStore) GetUserProfileByAuthentikID(ctx context.Context, authentikID string) (*models.UserProfile, error) {
	return p.getUser(ctx, "authentik_id", authentikID)
}

func (p *PostgresStore) getUser(ctx context.Context, column, value string) (*models.UserProfile, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, authentik_id, email, primary_org_id, display_name, avatar_url,
			labels, metadata, created_at, updated_at
		FROM user_profiles WHERE `+column+` = $1`, value)
	user, err := scanUserProfile(row)
	if err != nil {
		var ce *cerrors.Error
		if errors.As(err, &ce) && errors.Is(ce.Unwrap(), pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

func (p *PostgresStore) UpsertOrgProfile(ctx context.Context, org *models.OrgProfile) (*models.OrgProfile, error) {
	if org.ID == "" || org.Slug == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "org id and slug are required")
	}
	now := time.Now().UTC()
	status := org.Status
	if status == "" {
		status = models.OrgActive
	}
	labels := org.Labels
	if labels == nil {
		labels = models.Labels{}
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO org_profiles (id, slug, status, owner_user_id, profile, labels,
			settings, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug, status = EXCLUDED.status,
			owner_user_id = EXCLUDED.owner_user_id, profile = EXCLUDED.profile,
			labels = EXCLUDED.labels, settings = EXCLUDED.settings,
			updated_at = EXCLUDED.updated_at
		RETURNING id, slug, status, owner_user_id, profile, labels, settings,
			created_at, updated_at`,
		org.ID, org.Slug, string(status), org.OwnerUserID, marshalJSON(org.Profile),
		marshalJSON(labels), marshalJSON(org.Settings), now)
	out, err := scanOrgProfile(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, cerrors.Newf(cerrors.CodeConflict, "org slug already taken: %s", org.Slug).WithCause(err)
		}
		return nil, err
	}
	return out, nil
}

func scanOrgProfile(row pgx.Row) (*models.OrgProfile, error) {
	var (
		o                          models.OrgProfile
		profile, labels, settings []byte
	)
	err := row.Scan(&o.ID, &o.Slug, &o.Status, &o.OwnerUserID, &profile, &labels,
		&settings, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(profile, &o.Profile)
	_ = json.Unmarshal(labels, &o.Labels)
	if len(settings) > 0 && string(settings) != "null" {
		_ = json.Unmarshal(settings, &o.Settings)
	}
	return &o, nil
}

func (p *PostgresStore) GetOrgProfile(ctx context.Context, id string) (*models.OrgProfile, error) {
	return p.getOrg(ctx, "id", id)
}

func (p *PostgresStore) GetOrgProfileBySlug(ctx context.Context, slug string) (*models.OrgProfile, error) {
	return p.getOrg(ctx, "slug", slug)
}

func (p *PostgresStore) getOrg(ctx context.Context, column, value string) (*models.OrgProfile, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, slug, status, owner_user_id, profile, labels, settings,
			created_at, updated_at
		FROM org_profiles WHERE `+column+` = $1`, value)
	org, err := scanOrgProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Upstream("org lookup failed", err)
	}
	return org, nil
}

// ── Groups ──────────────────────────────────────────────────

func (p *PostgresStore) UpsertGroup(ctx context.Context, group *models.Group) (*models.Group, error) {
	if group.ID == "" || group.OrgID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "group id and org id are required")
	}
	labels := group.Labels
	if labels == nil {
		labels = models.Labels{}
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO groups (id, org_id, slug, name, description, parent_group_id, labels)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id, slug = EXCLUDED.slug, name = EXCLUDED.name,
			description = EXCLUDED.description, parent_group_id = EXCLUDED.parent_group_id,
			labels = EXCLUDED.labels
		RETURNING id, org_id, slug, name, description, parent_group_id, labels`,
		group.ID, group.OrgID, group.Slug, group.Name, group.Description,
		group.ParentGroupID, marshalJSON(labels))
	return scanGroup(row)
}

func scanGroup(row pgx.Row) (*models.Group, error) {
	var (
		g      models.Group
		labels []byte
	)
	err := row.Scan(&g.ID, &g.OrgID, &g.Slug, &g.Name, &g.Description, &g.ParentGroupID, &labels)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(labels, &g.Labels)
	return &g, nil
}

func (p *PostgresStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, org_id, slug, name, description, parent_group_id, labels
		FROM groups WHERE id = $1`, id)
	group, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Upstream("group lookup failed", err)
	}
	return group, nil
}

func (p *PostgresStore) GetGroupsByIDs(ctx context.Context, ids []string) ([]models.Group, error) {
	if len(ids) == 0 {
		return []models.Group{}, nil
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, org_id, slug, name, description, parent_group_id, labels
		FROM groups WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, cerrors.Upstream("group listing failed", err)
	}
	defer rows.Close()

	byID := make(map[string]models.Group)
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, cerrors.Upstream("group scan failed", err)
		}
		byID[group.ID] = *group
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.Upstream("group listing failed", err)
	}
	// Preserve caller ordering; missing ids are skipped.
	out := make([]models.Group, 0, len(byID))
	for _, id := range ids {
		if group, ok := byID[id]; ok {
			out = append(out, group)
		}
	}
	return out, nil
}

func (p *PostgresStore) ListGroupsByOrg(ctx context.Context, orgID string) ([]models.Group, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, org_id, slug, name, description, parent_group_id, labels
		FROM groups WHERE org_id = $1 ORDER BY id`, orgID)
	if err != nil {
		return nil, cerrors.Upstream("group listing failed", err)
	}
	defer rows.Close()

	out := make([]models.Group, 0)
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, cerrors.Upstream("group scan failed", err)
		}
		out = append(out, *group)
	}
	return out, rows.Err()
}

// ── Memberships ─────────────────────────────────────────────

func scanMembership(row pgx.Row) (*models.Membership, error) {
	var (
		m                models.Membership
		groupIDs, delta []byte
	)
	err := row.Scan(&m.ID, &m.UserID, &m.OrgID, &m.Role, &groupIDs, &delta,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(groupIDs, &m.GroupIDs)
	_ = json.Unmarshal(delta, &m.LabelsDelta)
	return &m, nil
}

func (p *PostgresStore) CreateMembership(ctx context.Context, membership *models.Membership) (*models.Membership, error) {
	if membership.ID == "" || membership.UserID == "" || membership.OrgID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "membership id, user id and org id are required")
	}
	now := time.Now().UTC()
	createdAt := membership.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO memberships (id, user_id, org_id, role, group_ids, labels_delta,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, user_id, org_id, role, group_ids, labels_delta, created_at, updated_at`,
		membership.ID, membership.UserID, membership.OrgID, membership.Role,
		marshalJSON(membership.GroupIDs), marshalJSON(membership.LabelsDelta),
		createdAt, now)
	out, err := scanMembership(row)
	if err != nil {
		return nil, translateUnique(err)
	}
	return out, nil
}

func (p *PostgresStore) GetMembership(ctx context.Context, id string) (*models.Membership, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, user_id, org_id, role, group_ids, labels_delta, created_at, updated_at
		FROM memberships WHERE id = $1`, id)
	membership, err := scanMembership(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Upstream("membership lookup failed", err)
	}
	return membership, nil
}

func (p *PostgresStore) FindMembershipForUserAndOrg(ctx context.Context, userID, orgID string) (*models.Membership, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, user_id, org_id, role, group_ids, labels_delta, created_at, updated_at
		FROM memberships WHERE user_id = $1 AND org_id = $2
		ORDER BY created_at ASC LIMIT 1`, userID, orgID)
	membership, err := scanMembership(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Upstream("membership lookup failed", err)
	}
	return membership, nil
}

func (p *PostgresStore) ListMembershipsForUser(ctx context.Context, userID string) ([]models.Membership, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, org_id, role, group_ids, labels_delta, created_at, updated_at
		FROM memberships WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, cerrors.Upstream("membership listing failed", err)
	}
	defer rows.Close()

	out := make([]models.Membership, 0)
	for rows.Next() {
		membership, err := scanMembership(rows)
		if err != nil {
			return nil, cerrors.Upstream("membership scan failed", err)
		}
		out = append(out, *membership)
	}
	return out, rows.Err()
}

// ── Entitlements ────────────────────────────────────────────

func (p *PostgresStore) GrantEntitlement(ctx context.Context, ent *models.Entitlement) (*models.Entitlement, error) {
	if ent.ID == "" || ent.SubjectID == "" || ent.Entitlement == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "entitlement id, subject and name are required")
	}
	createdAt := ent.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO entitlements (id, subject_kind, subject_id, entitlement, created_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, subject_kind, subject_id, entitlement, created_at, metadata`,
		ent.ID, string(ent.SubjectKind), ent.SubjectID, ent.Entitlement, createdAt,
		marshalJSON(ent.Metadata))
	out, err := scanEntitlement(row)
	if err != nil {
		return nil, translateUnique(err)
	}
	return out, nil
}

func scanEntitlement(row pgx.Row) (*models.Entitlement, error) {
	var (
		e        models.Entitlement
		metadata []byte
	)
	err := row.Scan(&e.ID, &e.SubjectKind, &e.SubjectID, &e.Entitlement, &e.CreatedAt, &metadata)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 && string(metadata) != "null" {
		_ = json.Unmarshal(metadata, &e.Metadata)
	}
	return &e, nil
}

func (p *PostgresStore) ListEntitlementsForSubject(ctx context.Context, kind models.SubjectKind, subjectID string) ([]models.Entitlement, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, subject_kind, subject_id, entitlement, created_at, metadata
		FROM entitlements WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY created_at ASC, id ASC`, string(kind), subjectID)
	if err != nil {
		return nil, cerrors.Upstream("entitlement listing failed", err)
	}
	defer rows.Close()

	out := make([]models.Entitlement, 0)
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, cerrors.Upstream("entitlement scan failed", err)
		}
		out = append(out, *ent)
	}
	return out, rows.Err()
}

// ── Audit ───────────────────────────────────────────────────

func (p *PostgresStore) AppendAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_events (id, occurred_at, category, action, actor, subject,
			resource, metadata, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.ID, occurredAt, event.Category, event.Action, event.Actor,
		event.Subject, event.Resource, marshalJSON(event.Metadata), event.CorrelationID)
	if err != nil {
		return translateUnique(err)
	}
	return nil
}

func (p *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]models.AuditEvent, error) {
	query := `
		SELECT id, occurred_at, category, action, actor, subject, resource, metadata, correlation_id
		FROM audit_events WHERE 1=1`
	args := []any{}
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	query += " ORDER BY occurred_at ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, cerrors.Upstream("audit listing failed", err)
	}
	defer rows.Close()

	out := make([]models.AuditEvent, 0)
	for rows.Next() {
		var (
			e        models.AuditEvent
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Category, &e.Action, &e.Actor,
			&e.Subject, &e.Resource, &metadata, &e.CorrelationID); err != nil {
			return nil, cerrors.Upstream("audit scan failed", err)
		}
		if len(metadata) > 0 && string(metadata) != "null" {
			_ = json.Unmarshal(metadata, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Webhook subscriptions ───────────────────────────────────

const subColumns = `id, org_id, event_types, target_url, secret, headers,
	retry_policy, active, created_at, updated_at, metadata`

func scanSubscription(row pgx.Row) (*models.WebhookSubscription, error) {
	var (
		s                                       models.WebhookSubscription
		eventTypes, headers, retryPolicy, metadata []byte
	)
	err := row.Scan(&s.ID, &s.OrgID, &eventTypes, &s.TargetURL, &s.Secret, &headers,
		&retryPolicy, &s.Active, &s.CreatedAt, &s.UpdatedAt, &metadata)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(eventTypes, &s.EventTypes)
	_ = json.Unmarshal(headers, &s.Headers)
	_ = json.Unmarshal(retryPolicy, &s.RetryPolicy)
	if len(metadata) > 0 && string(metadata) != "null" {
		_ = json.Unmarshal(metadata, &s.Metadata)
	}
	return &s, nil
}

func (p *PostgresStore) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) (*models.WebhookSubscription, error) {
	if sub.ID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "subscription id is required")
	}
	if len(sub.EventTypes) == 0 {
		return nil, cerrors.New(cerrors.CodeValidation, "subscription requires at least one event type")
	}
	now := time.Now().UTC()
	row := p.pool.QueryRow(ctx, `
		INSERT INTO webhook_subscriptions (id, org_id, event_types, target_url, secret,
			headers, retry_policy, active, created_at, updated_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9,$10)
		RETURNING `+subColumns,
		sub.ID, sub.OrgID, marshalJSON(models.DedupeStrings(sub.EventTypes)),
		sub.TargetURL, sub.Secret, marshalJSON(sub.Headers),
		marshalJSON(sub.RetryPolicy.Normalized()), sub.Active, now,
		marshalJSON(sub.Metadata))
	out, err := scanSubscription(row)
	if err != nil {
		return nil, translateUnique(err)
	}
	return out, nil
}

func (p *PostgresStore) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+subColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Upstream("subscription lookup failed", err)
	}
	return sub, nil
}

func (p *PostgresStore) UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) (*models.WebhookSubscription, error) {
	if len(sub.EventTypes) == 0 {
		return nil, cerrors.New(cerrors.CodeValidation, "subscription requires at least one event type")
	}
	row := p.pool.QueryRow(ctx, `
		UPDATE webhook_subscriptions SET org_id = $2, event_types = $3, target_url = $4,
			secret = $5, headers = $6, retry_policy = $7, active = $8,
			updated_at = $9, metadata = $10
		WHERE id = $1
		RETURNING `+subColumns,
		sub.ID, sub.OrgID, marshalJSON(models.DedupeStrings(sub.EventTypes)),
		sub.TargetURL, sub.Secret, marshalJSON(sub.Headers),
		marshalJSON(sub.RetryPolicy.Normalized()), sub.Active,
		time.Now().UTC(), marshalJSON(sub.Metadata))
	out, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cerrors.NotFound("webhook subscription", sub.ID)
	}
	if err != nil {
		return nil, cerrors.Upstream("subscription update failed", err)
	}
	return out, nil
}

func (p *PostgresStore) ListActiveSubscriptions(ctx context.Context, eventType, orgID string) ([]models.WebhookSubscription, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+subColumns+` FROM webhook_subscriptions
		WHERE active AND (org_id = '' OR org_id = $2)
			AND (event_types @> to_jsonb(ARRAY[$1]::text[]) OR event_types @> '["*"]'::jsonb)
		ORDER BY created_at ASC, id ASC`, eventType, orgID)
	if err != nil {
		return nil, cerrors.Upstream("subscription listing failed", err)
	}
	defer rows.Close()

	out := make([]models.WebhookSubscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, cerrors.Upstream("subscription scan failed", err)
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// ── Webhook deliveries ──────────────────────────────────────

const deliveryColumns = `id, subscription_id, event_id, status, attempt_count,
	last_attempt_at, next_attempt_at, payload, response, error_message,
	created_at, updated_at`

func scanDelivery(row pgx.Row) (*models.WebhookDelivery, error) {
	var (
		d                 models.WebhookDelivery
		payload, response []byte
	)
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.Status, &d.AttemptCount,
		&d.LastAttemptAt, &d.NextAttemptAt, &payload, &response, &d.ErrorMessage,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(payload, &d.Payload)
	if len(response) > 0 && string(response) != "null" {
		d.Response = &models.DeliveryResponse{}
		_ = json.Unmarshal(response, d.Response)
	}
	return &d, nil
}

func (p *PostgresStore) CreateDelivery(ctx context.Context, delivery *models.WebhookDelivery) (*models.WebhookDelivery, error) {
	if delivery.ID == "" || delivery.SubscriptionID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "delivery id and subscription id are required")
	}
	status := delivery.Status
	if status == "" {
		status = models.DeliveryPending
	}
	now := time.Now().UTC()
	row := p.pool.QueryRow(ctx, `
		INSERT INTO webhook_deliveries (id, subscription_id, event_id, status,
			attempt_count, next_attempt_at, payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		RETURNING `+deliveryColumns,
		delivery.ID, delivery.SubscriptionID, delivery.EventID, string(status),
		delivery.AttemptCount, delivery.NextAttemptAt, marshalJSON(delivery.Payload), now)
	out, err := scanDelivery(row)
	if err != nil {
		return nil, translateUnique(err)
	}
	return out, nil
}

func (p *PostgresStore) GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	delivery, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Upstream("delivery lookup failed", err)
	}
	return delivery, nil
}

func (p *PostgresStore) ListPendingDeliveries(ctx context.Context, opts PendingDeliveryOptions) ([]models.WebhookDelivery, error) {
	before := opts.Before
	if before.IsZero() {
		before = time.Now().UTC()
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status IN ('pending', 'delivering')
			AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY next_attempt_at ASC NULLS FIRST, created_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, cerrors.Upstream("pending delivery listing failed", err)
	}
	defer rows.Close()

	out := make([]models.WebhookDelivery, 0)
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, cerrors.Upstream("delivery scan failed", err)
		}
		out = append(out, *delivery)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ClaimDelivery(ctx context.Context, id string, now time.Time) (*models.WebhookDelivery, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE webhook_deliveries
		SET status = 'delivering', attempt_count = attempt_count + 1,
			last_attempt_at = $2, next_attempt_at = NULL, error_message = '',
			updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+deliveryColumns, id, now.UTC())
	delivery, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the claim race; the row is no longer pending.
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Upstream("delivery claim failed", err)
	}
	return delivery, nil
}

func (p *PostgresStore) UpdateDelivery(ctx context.Context, delivery *models.WebhookDelivery) (*models.WebhookDelivery, error) {
	var response any
	if delivery.Response != nil {
		response = marshalJSON(delivery.Response)
	}
	row := p.pool.QueryRow(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempt_count = $3, last_attempt_at = $4, next_attempt_at = $5,
			response = $6, error_message = $7, updated_at = $8
		WHERE id = $1 AND attempt_count <= $3
		RETURNING `+deliveryColumns,
		delivery.ID, string(delivery.Status), delivery.AttemptCount,
		delivery.LastAttemptAt, delivery.NextAttemptAt, response,
		delivery.ErrorMessage, time.Now().UTC())
	out, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cerrors.NotFound("webhook delivery", delivery.ID)
	}
	if err != nil {
		return nil, cerrors.Upstream("delivery update failed", err)
	}
	return out, nil
}

func (p *PostgresStore) ReleaseStaleDeliveries(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'pending', next_attempt_at = NULL, updated_at = NOW()
		WHERE status = 'delivering' AND last_attempt_at <= $1`, olderThan.UTC())
	if err != nil {
		return 0, cerrors.Upstream("stale delivery sweep failed", err)
	}
	return int(tag.RowsAffected()), nil
}

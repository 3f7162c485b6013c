// internal/repository/postgres/profile_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"authsync-service/internal/domain/auth"
	xerrors "authsync-service/internal/pkg/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ProfileRepository struct {
	db *pgxpool.Pool
}

func NewProfileRepository(db *pgxpool.Pool) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// SelectProfile retrieves a profile by user id
func (r *ProfileRepository) SelectProfile(ctx context.Context, userID string) (*auth.UserProfile, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		// provider ids are uuids; anything else cannot have a row
		return nil, xerrors.ErrNotFound
	}

	query := `
		SELECT id, email, first_name, last_name, company_name, avatar_url,
		       level, created_at, updated_at
		FROM profiles
		WHERE id = $1
	`

	var (
		p     auth.UserProfile
		rowID uuid.UUID
		level string
	)
	err = r.db.QueryRow(ctx, query, id).Scan(
		&rowID, &p.Email, &p.FirstName, &p.LastName, &p.CompanyName, &p.AvatarURL,
		&level, &p.CreatedAt, &p.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select profile: %w", err)
	}

	p.ID = rowID.String()
	p.Level = auth.ParseRole(level)
	return &p, nil
}

// UpsertProfile creates the row or refreshes it. Name fields that are null
// in the input keep their stored value.
func (r *ProfileRepository) UpsertProfile(ctx context.Context, profile *auth.UserProfile) error {
	if profile == nil {
		return fmt.Errorf("%w: nil profile", xerrors.ErrInvalidInput)
	}
	id, err := uuid.Parse(profile.ID)
	if err != nil {
		return fmt.Errorf("%w: profile id %q is not a uuid", xerrors.ErrInvalidInput, profile.ID)
	}

	level := profile.Level
	if level == "" {
		level = auth.RoleBasic
	}

	query := `
		INSERT INTO profiles (id, email, first_name, last_name, company_name, avatar_url, level, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			email        = EXCLUDED.email,
			first_name   = COALESCE(EXCLUDED.first_name, profiles.first_name),
			last_name    = COALESCE(EXCLUDED.last_name, profiles.last_name),
			company_name = COALESCE(EXCLUDED.company_name, profiles.company_name),
			avatar_url   = COALESCE(EXCLUDED.avatar_url, profiles.avatar_url),
			updated_at   = NOW()
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		id, profile.Email, profile.FirstName, profile.LastName,
		profile.CompanyName, profile.AvatarURL, string(level),
	).Scan(&profile.CreatedAt, &profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}

	return nil
}

var _ auth.ProfileStore = (*ProfileRepository)(nil)

package postgres

import (
	"context"
	"time"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

const activityColumns = `id, user_id, provider, external_user_id, source, source_id, category, start_time, duration_seconds,
        distance_meters, elevation_gain_meters, avg_heart_rate, avg_power, avg_cadence, avg_speed,
        owner_status, aggregated_at, COALESCE(notification_id, ''), created_at`

func scanActivity(row rowScanner) (domain.CanonicalActivity, error) {
	var (
		a                             domain.CanonicalActivity
		source, category, ownerStatus string
		durationSeconds               float64
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.ExternalUserID, &source, &a.SourceID, &category, &a.StartTime, &durationSeconds,
		&a.DistanceMeters, &a.ElevationGainMeters, &a.AvgHeartRate, &a.AvgPower, &a.AvgCadence, &a.AvgSpeed,
		&ownerStatus, &a.AggregatedAt, &a.NotificationID, &a.CreatedAt); err != nil {
		return domain.CanonicalActivity{}, err
	}
	a.Source = domain.Source(source)
	a.Category = domain.Category(category)
	a.OwnerStatus = domain.OwnerStatus(ownerStatus)
	a.Duration = time.Duration(durationSeconds * float64(time.Second))
	a.StartTime = a.StartTime.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.AggregatedAt = utcPtr(a.AggregatedAt)
	return a, nil
}

// FindActivityBySource returns the activity with the given source-native identifier, or nil.
func (r *Repository) FindActivityBySource(ctx context.Context, source domain.Source, sourceID string) (*domain.CanonicalActivity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE source = $1 AND source_id = $2`, string(source), sourceID)
	a, err := scanActivity(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// InsertActivity stores a new activity unless one with the same source identity exists.
func (r *Repository) InsertActivity(ctx context.Context, a domain.CanonicalActivity) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO activities (id, user_id, provider, external_user_id, source, source_id, category, start_time, duration_seconds,
            distance_meters, elevation_gain_meters, avg_heart_rate, avg_power, avg_cadence, avg_speed,
            owner_status, aggregated_at, notification_id, created_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
         ON CONFLICT ON CONSTRAINT uq_activities_source DO NOTHING`,
		a.ID, a.UserID, a.Provider, a.ExternalUserID, string(a.Source), a.SourceID, string(a.Category), a.StartTime.UTC(), a.Duration.Seconds(),
		a.DistanceMeters, a.ElevationGainMeters, a.AvgHeartRate, a.AvgPower, a.AvgCadence, a.AvgSpeed,
		string(a.OwnerStatus), utcPtr(a.AggregatedAt), nullIfEmpty(a.NotificationID), a.CreatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetActivity fetches an activity by ID.
func (r *Repository) GetActivity(ctx context.Context, id string) (*domain.CanonicalActivity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = $1`, id)
	a, err := scanActivity(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ListPendingAggregation returns owned activities that have not been folded into progress yet.
func (r *Repository) ListPendingAggregation(ctx context.Context, dueBefore time.Time, limit int) ([]domain.CanonicalActivity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+activityColumns+` FROM activities
          WHERE owner_status = 'owned' AND aggregated_at IS NULL AND start_time < $1
          ORDER BY created_at, id
          LIMIT $2`,
		dueBefore, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CanonicalActivity, 0, limit)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PromoteAwaitingOwner assigns userID to every unresolved activity for the external account.
func (r *Repository) PromoteAwaitingOwner(ctx context.Context, provider, externalUserID, userID string) ([]domain.CanonicalActivity, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE activities
            SET user_id = $3, owner_status = 'owned'
          WHERE provider = $1 AND external_user_id = $2 AND owner_status = 'awaiting_owner'
        RETURNING `+activityColumns,
		provider, externalUserID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CanonicalActivity, 0)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindAccountLink resolves an external account reference, returning nil when unlinked.
func (r *Repository) FindAccountLink(ctx context.Context, provider, externalUserID string) (*domain.AccountLink, error) {
	var link domain.AccountLink
	err := r.pool.QueryRow(ctx,
		`SELECT provider, external_user_id, user_id, linked_at FROM account_links WHERE provider = $1 AND external_user_id = $2`,
		provider, externalUserID,
	).Scan(&link.Provider, &link.ExternalUserID, &link.UserID, &link.LinkedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	link.LinkedAt = link.LinkedAt.UTC()
	return &link, nil
}

// UpsertAccountLink creates or repoints an account link.
func (r *Repository) UpsertAccountLink(ctx context.Context, link domain.AccountLink) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO account_links (provider, external_user_id, user_id, linked_at)
         VALUES ($1,$2,$3,$4)
         ON CONFLICT (provider, external_user_id) DO UPDATE SET user_id = EXCLUDED.user_id, linked_at = EXCLUDED.linked_at`,
		link.Provider, link.ExternalUserID, link.UserID, link.LinkedAt.UTC(),
	)
	return err
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

const participantColumns = `challenge_id, user_id, joined_at, distance_meters, elevation_meters, duration_seconds,
        last_activity_at, completed, completed_at, updated_at, version`

func scanParticipant(row rowScanner) (domain.ParticipantProgress, error) {
	var p domain.ParticipantProgress
	if err := row.Scan(&p.ChallengeID, &p.UserID, &p.JoinedAt, &p.DistanceMeters, &p.ElevationMeters, &p.DurationSeconds,
		&p.LastActivityAt, &p.Completed, &p.CompletedAt, &p.UpdatedAt, &p.Version); err != nil {
		return domain.ParticipantProgress{}, err
	}
	p.JoinedAt = p.JoinedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.LastActivityAt = utcPtr(p.LastActivityAt)
	p.CompletedAt = utcPtr(p.CompletedAt)
	return p, nil
}

// SaveChallenge upserts challenge metadata.
func (r *Repository) SaveChallenge(ctx context.Context, c domain.Challenge) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO challenges (id, name, dimension, target, start_date, end_date, active)
         VALUES ($1,$2,$3,$4,$5,$6,$7)
         ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, dimension = EXCLUDED.dimension, target = EXCLUDED.target,
             start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date, active = EXCLUDED.active`,
		c.ID, c.Name, string(c.Dimension), c.Target, domain.Day(c.StartDate), domain.Day(c.EndDate), c.Active,
	)
	return err
}

// GetChallenge fetches a challenge by ID.
func (r *Repository) GetChallenge(ctx context.Context, id string) (*domain.Challenge, error) {
	var (
		c         domain.Challenge
		dimension string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, dimension, target, start_date, end_date, active FROM challenges WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &dimension, &c.Target, &c.StartDate, &c.EndDate, &c.Active)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	c.Dimension = domain.Dimension(dimension)
	c.StartDate = domain.Day(c.StartDate)
	c.EndDate = domain.Day(c.EndDate)
	return &c, nil
}

// JoinChallenge creates zeroed progress for a participant. Joining twice keeps the original row.
func (r *Repository) JoinChallenge(ctx context.Context, challengeID, userID string, at time.Time) (*domain.ParticipantProgress, error) {
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO challenge_participants (challenge_id, user_id, joined_at, updated_at)
         VALUES ($1,$2,$3,$3)
         ON CONFLICT (challenge_id, user_id) DO NOTHING`,
		challengeID, userID, at.UTC(),
	); err != nil {
		return nil, err
	}
	return r.GetParticipant(ctx, challengeID, userID)
}

// GetParticipant fetches one participant's progress.
func (r *Repository) GetParticipant(ctx context.Context, challengeID, userID string) (*domain.ParticipantProgress, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM challenge_participants WHERE challenge_id = $1 AND user_id = $2`,
		challengeID, userID,
	)
	p, err := scanParticipant(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListParticipants returns every participant of a challenge in storage order.
func (r *Repository) ListParticipants(ctx context.Context, challengeID string) ([]domain.ParticipantProgress, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM challenge_participants WHERE challenge_id = $1`, challengeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ParticipantProgress, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListContributions returns a participant's contribution ledger ordered by activity start.
func (r *Repository) ListContributions(ctx context.Context, challengeID, userID string) ([]domain.Contribution, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT challenge_id, user_id, activity_id, activity_start, value, created_at
           FROM contributions
          WHERE challenge_id = $1 AND user_id = $2
          ORDER BY activity_start, activity_id`,
		challengeID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Contribution, 0)
	for rows.Next() {
		var c domain.Contribution
		if err := rows.Scan(&c.ChallengeID, &c.UserID, &c.ActivityID, &c.ActivityStart, &c.Value, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.ActivityStart = c.ActivityStart.UTC()
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

type progressTx struct {
	tx pgx.Tx
}

func (t *progressTx) ClaimAggregation(ctx context.Context, activityID string, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE activities SET aggregated_at = $2
          WHERE id = $1 AND aggregated_at IS NULL AND owner_status = 'owned' AND user_id <> ''`,
		activityID, at.UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *progressTx) ActiveParticipations(ctx context.Context, userID string) ([]domain.Participation, error) {
	// Rows are locked in challenge order so concurrent appliers never deadlock.
	rows, err := t.tx.Query(ctx,
		`SELECT c.id, c.name, c.dimension, c.target, c.start_date, c.end_date, c.active,
                p.challenge_id, p.user_id, p.joined_at, p.distance_meters, p.elevation_meters, p.duration_seconds,
                p.last_activity_at, p.completed, p.completed_at, p.updated_at, p.version
           FROM challenge_participants p
           JOIN challenges c ON c.id = p.challenge_id
          WHERE p.user_id = $1 AND c.active
          ORDER BY c.id
            FOR UPDATE OF p`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Participation, 0)
	for rows.Next() {
		var (
			part      domain.Participation
			dimension string
		)
		c := &part.Challenge
		p := &part.Progress
		if err := rows.Scan(&c.ID, &c.Name, &dimension, &c.Target, &c.StartDate, &c.EndDate, &c.Active,
			&p.ChallengeID, &p.UserID, &p.JoinedAt, &p.DistanceMeters, &p.ElevationMeters, &p.DurationSeconds,
			&p.LastActivityAt, &p.Completed, &p.CompletedAt, &p.UpdatedAt, &p.Version); err != nil {
			return nil, err
		}
		c.Dimension = domain.Dimension(dimension)
		c.StartDate = domain.Day(c.StartDate)
		c.EndDate = domain.Day(c.EndDate)
		p.JoinedAt = p.JoinedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		p.LastActivityAt = utcPtr(p.LastActivityAt)
		p.CompletedAt = utcPtr(p.CompletedAt)
		out = append(out, part)
	}
	return out, rows.Err()
}

func (t *progressTx) SaveProgress(ctx context.Context, p domain.ParticipantProgress, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE challenge_participants
            SET distance_meters = $4, elevation_meters = $5, duration_seconds = $6, last_activity_at = $7,
                completed = $8, completed_at = $9, updated_at = $10, version = $11
          WHERE challenge_id = $1 AND user_id = $2 AND version = $3`,
		p.ChallengeID, p.UserID, expectedVersion,
		p.DistanceMeters, p.ElevationMeters, p.DurationSeconds, utcPtr(p.LastActivityAt),
		p.Completed, utcPtr(p.CompletedAt), p.UpdatedAt.UTC(), p.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s/%s: %w", p.ChallengeID, p.UserID, domain.ErrVersionConflict)
	}
	return nil
}

func (t *progressTx) RecordContribution(ctx context.Context, c domain.Contribution) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO contributions (challenge_id, activity_id, user_id, activity_start, value, created_at)
         VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ChallengeID, c.ActivityID, c.UserID, c.ActivityStart.UTC(), c.Value, c.CreatedAt.UTC(),
	)
	return err
}

func (t *progressTx) EnqueueEvent(ctx context.Context, e domain.OutboxEvent) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload, created_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.AggregateType, e.AggregateID, e.EventType, e.Topic, e.PartitionKey, []byte(e.Payload), e.CreatedAt.UTC(),
	)
	return err
}

package authz

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresOracle answers membership from the product database: a subject
// may enter a project's room when they own the project or belong to the
// owning team.
type PostgresOracle struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Oracle = (*PostgresOracle)(nil)

func NewPostgresOracle(ctx context.Context, url string, logger *slog.Logger) (*PostgresOracle, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresOracle{
		pool:   pool,
		logger: logger.With(slog.String("component", "authz_postgres")),
	}, nil
}

const membershipQuery = `
SELECT EXISTS (
    SELECT 1 FROM projects p
    WHERE p.id = $1
      AND (p.owner_id = $2
           OR EXISTS (
               SELECT 1 FROM team_members tm
               WHERE tm.team_id = p.team_id AND tm.user_id = $2
           ))
)`

func (o *PostgresOracle) IsMember(ctx context.Context, subjectID, projectID string) (bool, error) {
	var member bool
	if err := o.pool.QueryRow(ctx, membershipQuery, projectID, subjectID).Scan(&member); err != nil {
		o.logger.Warn("membership query failed",
			slog.String("subject", subjectID),
			slog.String("projectID", projectID),
			slog.Any("error", err),
		)
		return false, err
	}
	return member, nil
}

func (o *PostgresOracle) Close() {
	o.pool.Close()
}

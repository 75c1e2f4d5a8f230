package storage

import (
	"context"
	"database/sql"
	"fmt"

	"admitd/core"

	"github.com/lib/pq"
)

// PostgresConfig holds the connection settings for a Postgres-backed
// partition.
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DB       string
}

// NewPostgresDB opens and pings a Postgres connection.
func NewPostgresDB(cfg PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.DB))
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

const postgresPartitionSchema = `
CREATE TABLE IF NOT EXISTS ballots (
    election_id  TEXT NOT NULL,
    voter_id     UUID NOT NULL,
    payload      BYTEA NOT NULL,
    submitted_at TIMESTAMPTZ NOT NULL,
    receipt_id   TEXT NOT NULL UNIQUE,
    PRIMARY KEY (election_id, voter_id)
)`

// PostgresPartition is a ballot partition backed by one Postgres database.
// ON CONFLICT DO NOTHING on the composite primary key is the atomic
// insert-if-absent primitive.
type PostgresPartition struct {
	id string
	db *sql.DB
}

func NewPostgresPartition(id string, db *sql.DB) (*PostgresPartition, error) {
	if _, err := db.Exec(postgresPartitionSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize partition schema: %w", err)
	}
	return &PostgresPartition{id: id, db: db}, nil
}

func (p *PostgresPartition) ID() string { return p.id }

func (p *PostgresPartition) InsertBallot(ctx context.Context, ballot *core.Ballot) error {
	result, err := p.db.ExecContext(ctx,
		`INSERT INTO ballots (election_id, voter_id, payload, submitted_at, receipt_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (election_id, voter_id) DO NOTHING`,
		ballot.ElectionID,
		ballot.VoterID,
		ballot.Payload,
		ballot.SubmittedAt,
		ballot.ReceiptID,
	)
	if err != nil {
		// A unique violation here can only be the receipt constraint; the
		// key conflict is absorbed by ON CONFLICT.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("receipt collision on %s: %w", p.id, err)
		}
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrAlreadyExists
	}

	return nil
}

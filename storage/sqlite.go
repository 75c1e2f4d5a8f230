package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"admitd/core"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite/schema.sql
var sqliteSchema string

//go:embed schema/sqlite/partition.sql
var sqlitePartitionSchema string

// SQLiteRepository stores identities, elections and token nonces. It backs
// the control side of admission; ballots live in partitions.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := openSQLite(dbPath, sqliteSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) FindIdentityByHash(ctx context.Context, identityHash string) (*core.Identity, error) {
	query := `
		SELECT voter_id, provider, provider_id, identity_hash, email, created_at
		FROM identities
		WHERE identity_hash = ?
	`

	var identity core.Identity
	var voterIDStr, providerStr string
	var email sql.NullString
	var createdAt int64

	err := r.db.QueryRowContext(ctx, query, identityHash).Scan(
		&voterIDStr,
		&providerStr,
		&identity.ProviderID,
		&identity.IdentityHash,
		&email,
		&createdAt,
	)

	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	identity.VoterID = uuid.MustParse(voterIDStr)
	identity.Provider = core.Provider(providerStr)
	identity.Email = email.String
	identity.CreatedAt = time.Unix(createdAt, 0)

	return &identity, nil
}

func (r *SQLiteRepository) CreateIdentity(ctx context.Context, identity *core.Identity) error {
	query := `
		INSERT INTO identities (voter_id, provider, provider_id, identity_hash, email, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		identity.VoterID.String(),
		string(identity.Provider),
		identity.ProviderID,
		identity.IdentityHash,
		identity.Email,
		identity.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrAlreadyExists
		}
		return err
	}

	return nil
}

func (r *SQLiteRepository) FindElection(ctx context.Context, electionID string) (*core.Election, error) {
	query := `
		SELECT id, name, status, opens_at, closes_at
		FROM elections
		WHERE id = ?
	`

	var election core.Election
	var statusStr string
	var opensAt, closesAt int64

	err := r.db.QueryRowContext(ctx, query, electionID).Scan(
		&election.ID,
		&election.Name,
		&statusStr,
		&opensAt,
		&closesAt,
	)

	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	election.Status = core.ElectionStatus(statusStr)
	election.OpensAt = time.Unix(opensAt, 0)
	election.ClosesAt = time.Unix(closesAt, 0)

	return &election, nil
}

func (r *SQLiteRepository) CreateElection(ctx context.Context, election *core.Election) error {
	query := `
		INSERT INTO elections (id, name, status, opens_at, closes_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		election.ID,
		election.Name,
		string(election.Status),
		election.OpensAt.Unix(),
		election.ClosesAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrAlreadyExists
		}
		return err
	}

	return nil
}

func (r *SQLiteRepository) PutNonce(ctx context.Context, electionID string, voterID uuid.UUID, nonce string, expiresAt time.Time) error {
	query := `
		INSERT INTO nonces (nonce, election_id, voter_id, expires_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query, nonce, electionID, voterID.String(), expiresAt.Unix())
	return err
}

func (r *SQLiteRepository) RevokeNonces(ctx context.Context, electionID string, voterID uuid.UUID) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM nonces WHERE election_id = ? AND voter_id = ?`,
		electionID, voterID.String(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *SQLiteRepository) ConsumeNonce(ctx context.Context, electionID string, voterID uuid.UUID, nonce string) error {
	// The conditional delete is the atomic consumption; the follow-up read
	// only classifies the failure.
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM nonces WHERE nonce = ? AND election_id = ? AND voter_id = ? AND expires_at >= ?`,
		nonce, electionID, voterID.String(), time.Now().Unix(),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var storedElection, storedVoter string
	err = r.db.QueryRowContext(ctx,
		`SELECT election_id, voter_id FROM nonces WHERE nonce = ?`,
		nonce,
	).Scan(&storedElection, &storedVoter)
	if err == sql.ErrNoRows {
		return core.ErrTokenConsumed
	}
	if err != nil {
		return err
	}
	if storedElection != electionID || storedVoter != voterID.String() {
		return core.ErrTokenInvalid
	}
	return core.ErrTokenConsumed
}

func (r *SQLiteRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SQLitePartition is a ballot partition backed by its own database file.
// The composite primary key on (election_id, voter_id) is the atomic
// insert-if-absent primitive.
type SQLitePartition struct {
	id string
	db *sql.DB
}

func NewSQLitePartition(id, dbPath string) (*SQLitePartition, error) {
	db, err := openSQLite(dbPath, sqlitePartitionSchema)
	if err != nil {
		return nil, err
	}
	return &SQLitePartition{id: id, db: db}, nil
}

func (p *SQLitePartition) ID() string { return p.id }

func (p *SQLitePartition) Close() error {
	return p.db.Close()
}

func (p *SQLitePartition) InsertBallot(ctx context.Context, ballot *core.Ballot) error {
	query := `
		INSERT INTO ballots (election_id, voter_id, payload, submitted_at, receipt_id)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := p.db.ExecContext(ctx, query,
		ballot.ElectionID,
		ballot.VoterID.String(),
		ballot.Payload,
		ballot.SubmittedAt.Unix(),
		ballot.ReceiptID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrAlreadyExists
		}
		return err
	}

	return nil
}

// FindBallot returns the stored ballot for the key, if any.
func (p *SQLitePartition) FindBallot(ctx context.Context, electionID string, voterID uuid.UUID) (*core.Ballot, error) {
	query := `
		SELECT election_id, voter_id, payload, submitted_at, receipt_id
		FROM ballots
		WHERE election_id = ? AND voter_id = ?
	`

	var ballot core.Ballot
	var voterIDStr string
	var submittedAt int64

	err := p.db.QueryRowContext(ctx, query, electionID, voterID.String()).Scan(
		&ballot.ElectionID,
		&voterIDStr,
		&ballot.Payload,
		&submittedAt,
		&ballot.ReceiptID,
	)

	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ballot.VoterID = uuid.MustParse(voterIDStr)
	ballot.SubmittedAt = time.Unix(submittedAt, 0)

	return &ballot, nil
}

// CountBallots reports the number of stored ballots.
func (p *SQLitePartition) CountBallots(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ballots`).Scan(&n)
	return n, err
}

func openSQLite(dbPath, schema string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "UNIQUE") ||
		strings.Contains(errMsg, "unique")
}

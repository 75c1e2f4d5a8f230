package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenConsumed means the token's nonce was already spent. Replays of
	// a consumed token never reach storage.
	ErrTokenConsumed = errors.New("token already consumed")
)

// BallotClaims are the signed contents of an authorization token: one voter,
// one election, one single-use nonce.
type BallotClaims struct {
	VoterID    uuid.UUID `json:"voter_id"`
	ElectionID string    `json:"election_id"`
	Nonce      string    `json:"nonce"`
	jwt.RegisteredClaims
}

// TokenIssuer mints short-lived authorization tokens binding a voting
// identifier to one election. Issuing a fresh token replaces the active
// nonce for the pair, invalidating prior unconsumed tokens.
type TokenIssuer struct {
	config    *Config
	elections ElectionReader
	nonces    NonceStore
}

func NewTokenIssuer(config *Config, elections ElectionReader, nonces NonceStore) *TokenIssuer {
	return &TokenIssuer{
		config:    config,
		elections: elections,
		nonces:    nonces,
	}
}

// Issue mints a token for (voterID, electionID) if the election is currently
// open. Returns the signed token and its expiry instant.
func (ti *TokenIssuer) Issue(ctx context.Context, voterID uuid.UUID, electionID string) (string, time.Time, error) {
	election, err := ti.elections.FindElection(ctx, electionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, ErrElectionClosed
		}
		return "", time.Time{}, fmt.Errorf("failed to read election: %w", err)
	}

	now := time.Now()
	if !election.AcceptsVotesAt(now) {
		return "", time.Time{}, ErrElectionClosed
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return "", time.Time{}, err
	}

	// A fresh issuance invalidates any prior unconsumed token for the pair,
	// bounding the replay surface to one live token at a time.
	if _, err := ti.nonces.RevokeNonces(ctx, electionID, voterID); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to revoke prior nonces: %w", err)
	}

	expiresAt := now.Add(time.Duration(ti.config.TokenDuration) * time.Second)
	if err := ti.nonces.PutNonce(ctx, electionID, voterID, nonce, expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to store nonce: %w", err)
	}

	claims := &BallotClaims{
		VoterID:    voterID,
		ElectionID: electionID,
		Nonce:      nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(ti.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, expiresAt, nil
}

// ParseBallotToken checks the token's signature and expiry and returns its
// claims. Nonce consumption is the coordinator's job; this function is
// side-effect free. An expired token returns its claims alongside
// ErrTokenExpired: the signature already verified, so the audit trail can
// attribute the attempt.
func ParseBallotToken(tokenString string, config *Config) (*BallotClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &BallotClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return []byte(config.JWTSecret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			if token != nil {
				if claims, ok := token.Claims.(*BallotClaims); ok {
					return claims, ErrTokenExpired
				}
			}
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*BallotClaims)
	if !ok {
		return nil, ErrTokenInvalid
	}

	if claims.VoterID == uuid.Nil || claims.ElectionID == "" || claims.Nonce == "" {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

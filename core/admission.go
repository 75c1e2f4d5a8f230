package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const partitionRetryDelay = 25 * time.Millisecond

// AdmissionService orchestrates ballot admission: token validation, the
// election open-window check, shard routing, the atomic conditional write,
// and audit emission. There is no serialization point here; the conditional
// insert at the partition is the sole arbiter under concurrency.
type AdmissionService struct {
	config    *Config
	elections ElectionReader
	nonces    NonceStore
	router    Router
	audit     *auditSink

	identitySalt []byte
	receiptKey   []byte
}

func NewAdmissionService(config *Config, elections ElectionReader, nonces NonceStore, router Router, ledger Ledger) *AdmissionService {
	return &AdmissionService{
		config:       config,
		elections:    elections,
		nonces:       nonces,
		router:       router,
		audit:        newAuditSink(ledger),
		identitySalt: []byte(config.IdentitySalt),
		receiptKey:   []byte(config.ReceiptKey),
	}
}

// Admit runs the admission algorithm for one (token, payload) submission.
// On success it returns the receipt; the terminal outcomes ErrAlreadyVoted,
// ErrTokenConsumed, ErrTokenExpired, ErrTokenInvalid and ErrElectionClosed
// are returned as-is for the caller to map to its wire format.
func (s *AdmissionService) Admit(ctx context.Context, tokenString string, payload []byte) (*Receipt, error) {
	// 1. Validate the token. No storage write happens on failure.
	claims, err := ParseBallotToken(tokenString, s.config)
	if err != nil {
		event := AuditEvent{Kind: EventTokenRejected, Detail: err.Error()}
		if errors.Is(err, ErrTokenExpired) {
			event.Kind = EventExpired
			// Expired tokens still carry verified claims; attribute the
			// attempt for fraud correlation.
			if claims != nil {
				event.ElectionID = claims.ElectionID
				event.VoterHash = VoterHash(s.identitySalt, claims.VoterID)
			}
		}
		s.audit.record(ctx, event)
		return nil, err
	}

	voterHash := VoterHash(s.identitySalt, claims.VoterID)

	// 2. Verify the election is open right now.
	election, err := s.elections.FindElection(ctx, claims.ElectionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.rejectToken(ctx, claims.ElectionID, voterHash, "unknown election")
			return nil, ErrElectionClosed
		}
		return nil, fmt.Errorf("failed to read election: %w", err)
	}
	if !election.AcceptsVotesAt(time.Now()) {
		s.rejectToken(ctx, claims.ElectionID, voterHash, "election closed")
		return nil, ErrElectionClosed
	}

	// 3. Consume the single-use nonce. This happens exactly once per token;
	// the conditional write below may be retried, nonce consumption may not.
	if err := s.nonces.ConsumeNonce(ctx, claims.ElectionID, claims.VoterID, claims.Nonce); err != nil {
		if errors.Is(err, ErrTokenConsumed) || errors.Is(err, ErrTokenInvalid) {
			s.rejectToken(ctx, claims.ElectionID, voterHash, err.Error())
			return nil, err
		}
		return nil, fmt.Errorf("failed to consume nonce: %w", err)
	}

	// Once dispatched, the write and its audit event run to completion even
	// if the client disconnects.
	detached := context.WithoutCancel(ctx)

	ballotID := uuid.New()
	receiptID, err := ComputeReceipt(s.receiptKey, ballotID, claims.ElectionID, payload)
	if err != nil {
		return nil, err
	}

	ballot := &Ballot{
		ElectionID:  claims.ElectionID,
		VoterID:     claims.VoterID,
		Payload:     payload,
		SubmittedAt: time.Now(),
		ReceiptID:   receiptID,
	}

	// 4. The atomic conditional write. Safe to retry on transient partition
	// failure because the insert is conditional on the key being absent.
	var lastErr error
	for attempt := 0; attempt < s.config.PartitionRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(partitionRetryDelay)
		}

		partition, release, err := s.router.Acquire(claims.ElectionID, claims.VoterID)
		if err != nil {
			lastErr = err
			continue
		}

		insertCtx, cancel := context.WithTimeout(detached, time.Duration(s.config.PartitionTimeoutMS)*time.Millisecond)
		err = partition.InsertBallot(insertCtx, ballot)
		cancel()
		release()

		if err == nil {
			// 5. Admitted: emit the audit event and hand back the receipt.
			s.audit.record(detached, AuditEvent{
				ElectionID: claims.ElectionID,
				VoterHash:  voterHash,
				Kind:       EventAdmitted,
			})
			return &Receipt{
				Receipt:     receiptID,
				ElectionID:  claims.ElectionID,
				SubmittedAt: ballot.SubmittedAt,
			}, nil
		}

		if errors.Is(err, ErrAlreadyExists) {
			// 6. First-writer-wins: a ballot for this key is already
			// recorded, including the case of the same client retrying.
			s.audit.record(detached, AuditEvent{
				ElectionID: claims.ElectionID,
				VoterHash:  voterHash,
				Kind:       EventDuplicateRejected,
			})
			return nil, ErrAlreadyVoted
		}

		lastErr = err
	}

	return nil, fmt.Errorf("%w: %v", ErrShardUnavailable, lastErr)
}

// AuditDegraded reports whether audit emission is currently failing. The
// admission guarantee is unaffected; operators must restore the ledger.
func (s *AdmissionService) AuditDegraded() bool {
	return s.audit.Degraded()
}

func (s *AdmissionService) rejectToken(ctx context.Context, electionID, voterHash, detail string) {
	s.audit.record(ctx, AuditEvent{
		ElectionID: electionID,
		VoterHash:  voterHash,
		Kind:       EventTokenRejected,
		Detail:     detail,
	})
}

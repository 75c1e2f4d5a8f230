package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

type Server struct {
	resolver  *IdentityResolver
	issuer    *TokenIssuer
	admission *AdmissionService
	config    *Config
}

func NewServer(resolver *IdentityResolver, issuer *TokenIssuer, admission *AdmissionService, config *Config) *Server {
	return &Server{
		resolver:  resolver,
		issuer:    issuer,
		admission: admission,
		config:    config,
	}
}

type RegisterResponse struct {
	VoterID string `json:"voter_id"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleRegister resolves a verified identity assertion to its voting
// identifier. The assertion is trusted here; verification happens upstream.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Provider   string `json:"provider"`
		ProviderID string `json:"provider_id"`
		Email      string `json:"email"`
		Name       string `json:"name"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Provider == "" || req.ProviderID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "provider and provider_id are required")
		return
	}

	ctx := r.Context()
	voterID, err := s.resolver.Resolve(ctx, VerifiedIdentity{
		Provider:   Provider(req.Provider),
		ProviderID: req.ProviderID,
		Email:      req.Email,
		Name:       req.Name,
	})
	if err != nil {
		if errors.Is(err, ErrIdentityConflict) {
			respondError(w, http.StatusConflict, "identity_conflict", "Identity maps to a different account; manual reconciliation required")
			return
		}
		if errors.Is(err, ErrInvalidIdentity) {
			respondError(w, http.StatusBadRequest, "invalid_request", "provider and provider_id are required")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to resolve identity")
		return
	}

	respondJSON(w, http.StatusOK, RegisterResponse{VoterID: voterID.String()})
}

// HandleIssueToken mints a short-lived ballot token for one election.
func (s *Server) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Provider   string `json:"provider"`
		ProviderID string `json:"provider_id"`
		ElectionID string `json:"election_id"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Provider == "" || req.ProviderID == "" || req.ElectionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "provider, provider_id and election_id are required")
		return
	}

	ctx := r.Context()
	voterID, err := s.resolver.Resolve(ctx, VerifiedIdentity{
		Provider:   Provider(req.Provider),
		ProviderID: req.ProviderID,
	})
	if err != nil {
		if errors.Is(err, ErrIdentityConflict) {
			respondError(w, http.StatusConflict, "identity_conflict", "Identity maps to a different account; manual reconciliation required")
			return
		}
		if errors.Is(err, ErrInvalidIdentity) {
			respondError(w, http.StatusBadRequest, "invalid_request", "provider and provider_id are required")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to resolve identity")
		return
	}

	token, expiresAt, err := s.issuer.Issue(ctx, voterID, req.ElectionID)
	if err != nil {
		if errors.Is(err, ErrElectionClosed) {
			respondError(w, http.StatusConflict, "election_closed", "Election is not open")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to issue token")
		return
	}

	respondJSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleVote admits a ballot: {token, payload} in, {receipt} or a
// machine-readable error kind out.
func (s *Server) HandleVote(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Token   string `json:"token"`
		Payload string `json:"payload"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Token == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	ctx := r.Context()
	receipt, err := s.admission.Admit(ctx, req.Token, []byte(req.Payload))
	if err != nil {
		status, kind, message := admissionError(err)
		respondError(w, status, kind, message)
		return
	}

	respondJSON(w, http.StatusOK, receipt)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	auditStatus := "ok"
	if s.admission.AuditDegraded() {
		auditStatus = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"audit":  auditStatus,
	})
}

// admissionError maps an admission outcome to its stable machine-readable
// kind. AlreadyVoted is a terminal outcome, not an integrity fault.
func admissionError(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrAlreadyVoted):
		return http.StatusConflict, "already_voted", "A ballot is already recorded for this voter in this election"
	case errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired", "Token expired; request a new one"
	case errors.Is(err, ErrTokenConsumed):
		return http.StatusUnauthorized, "token_consumed", "Token already consumed; request a new one"
	case errors.Is(err, ErrTokenInvalid):
		return http.StatusUnauthorized, "token_invalid", "Token is invalid; request a new one"
	case errors.Is(err, ErrElectionClosed):
		return http.StatusConflict, "election_closed", "Election is not open"
	case errors.Is(err, ErrShardUnavailable):
		return http.StatusServiceUnavailable, "shard_unavailable", "Storage partition unavailable; safe to retry with a new token"
	default:
		return http.StatusInternalServerError, "internal_error", "Admission failed"
	}
}

// Helper functions

func validateMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

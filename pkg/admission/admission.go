package admission

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aegnix/abi/pkg/audit"
	"github.com/aegnix/abi/pkg/crypto"
	"github.com/aegnix/abi/pkg/keyring"
)

var (
	// ErrBadSignature means the challenge response did not verify.
	ErrBadSignature = errors.New("admission: challenge signature invalid")
	// ErrNotTrusted means the principal exists but is revoked or expired.
	ErrNotTrusted = errors.New("admission: principal revoked or expired")
)

// Service runs the challenge/response handshake against the keyring.
type Service struct {
	keys   *keyring.Store
	nonces NonceCache
	audit  *audit.Logger
}

// NewService wires the admission service.
func NewService(keys *keyring.Store, nonces NonceCache, auditLog *audit.Logger) *Service {
	return &Service{keys: keys, nonces: nonces, audit: auditLog}
}

// IssueChallenge returns a fresh base64 nonce for aeID, replacing any
// outstanding challenge. Unknown principals get keyring.ErrNotFound;
// revoked ones are refused before any nonce is minted.
func (s *Service) IssueChallenge(ctx context.Context, aeID string) (string, error) {
	rec, err := s.keys.Get(ctx, aeID)
	if err != nil {
		return "", err
	}
	if rec.Status == keyring.StatusRevoked {
		return "", ErrNotTrusted
	}

	nonce, err := s.nonces.Issue(ctx, aeID)
	if err != nil {
		return "", err
	}
	if err := s.audit.Append(ctx, audit.Record{
		Actor:    aeID,
		Action:   audit.ActionChallengeIssued,
		Subject:  aeID,
		Decision: audit.DecisionApplied,
	}); err != nil {
		return "", fmt.Errorf("admission: audit refused challenge: %w", err)
	}
	return nonce, nil
}

// VerifyResponse checks the Ed25519 signature over the outstanding
// challenge bytes. On success the nonce is consumed exactly once and the
// record is elevated to trusted; the updated record is returned.
//
// Signature failure leaves the nonce outstanding so the AE may retry
// within the TTL; replay after success fails because the nonce is gone.
func (s *Service) VerifyResponse(ctx context.Context, aeID string, signedNonce []byte) (*keyring.Record, error) {
	rec, err := s.keys.Get(ctx, aeID)
	if err != nil {
		return nil, err
	}
	if rec.Status == keyring.StatusRevoked {
		s.deny(ctx, aeID, "revoked")
		return nil, ErrNotTrusted
	}

	nonce, err := s.nonces.Get(ctx, aeID)
	if err != nil {
		s.deny(ctx, aeID, "nonce expired")
		return nil, err
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return nil, fmt.Errorf("admission: corrupt stored nonce: %w", err)
	}

	ok, err := crypto.Verify(rec.PubKey, nonceBytes, signedNonce)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.deny(ctx, aeID, "bad signature")
		return nil, ErrBadSignature
	}

	if err := s.nonces.Consume(ctx, aeID, nonce); err != nil {
		s.deny(ctx, aeID, "nonce consume race")
		return nil, err
	}

	if rec.Status == keyring.StatusUntrusted {
		if err := s.keys.SetStatus(ctx, audit.ActorSystem, aeID, keyring.StatusTrusted); err != nil {
			return nil, err
		}
	}

	if err := s.audit.Append(ctx, audit.Record{
		Actor:    aeID,
		Action:   audit.ActionAdmissionVerify,
		Subject:  aeID,
		Decision: audit.DecisionAccepted,
	}); err != nil {
		return nil, fmt.Errorf("admission: audit refused verification: %w", err)
	}

	return s.keys.Get(ctx, aeID)
}

func (s *Service) deny(ctx context.Context, aeID, reason string) {
	_ = s.audit.Append(ctx, audit.Record{
		Actor:    aeID,
		Action:   audit.ActionAdmissionDenied,
		Subject:  aeID,
		Decision: audit.DecisionDenied,
		Reason:   reason,
	})
}

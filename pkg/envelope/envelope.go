// Package envelope defines the canonical message container carried through
// the mesh: producer identity, subject, payload, timestamp, labels, and an
// Ed25519 signature over a fixed byte encoding of the other fields.
//
// The signing encoding is load-bearing: every producer and every verifier
// must agree on it bit-for-bit, so it is specified here and nowhere else.
package envelope

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/aegnix/abi/pkg/crypto"
)

// Envelope is the wire form of a mesh message.
//
// Meta is an open attribute bag: unknown keys are preserved verbatim so the
// audit trail records exactly what the producer sent.
type Envelope struct {
	Producer  string                     `json:"producer"`
	Subject   string                     `json:"subject"`
	Payload   []byte                     `json:"payload"`
	Timestamp time.Time                  `json:"ts"`
	Labels    []string                   `json:"labels,omitempty"`
	Meta      map[string]json.RawMessage `json:"meta,omitempty"`
	Sig       []byte                     `json:"sig,omitempty"`
}

// SigningBytes returns the canonical byte encoding the signature covers.
//
// Encoding: for each field in fixed order — producer, subject, timestamp
// (RFC 3339 UTC), payload, sorted labels joined with "," (empty string when
// none) — a 4-byte big-endian length prefix followed by the field's UTF-8
// bytes. The signature field is excluded.
func (e *Envelope) SigningBytes() []byte {
	labels := make([]string, len(e.Labels))
	copy(labels, e.Labels)
	sort.Strings(labels)

	fields := [][]byte{
		[]byte(e.Producer),
		[]byte(e.Subject),
		[]byte(e.Timestamp.UTC().Format(time.RFC3339)),
		e.Payload,
		[]byte(strings.Join(labels, ",")),
	}

	size := 0
	for _, f := range fields {
		size += 4 + len(f)
	}
	out := make([]byte, 0, size)
	var prefix [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(f)))
		out = append(out, prefix[:]...)
		out = append(out, f...)
	}
	return out
}

// Sign computes and attaches the signature.
func (e *Envelope) Sign(s crypto.Signer) {
	e.Sig = s.Sign(e.SigningBytes())
}

// VerifySignature checks the attached signature against pub.
func (e *Envelope) VerifySignature(pub []byte) (bool, error) {
	if len(e.Sig) == 0 {
		return false, fmt.Errorf("missing signature")
	}
	return crypto.Verify(pub, e.SigningBytes(), e.Sig)
}

// Digest returns "sha256:<hex>" over the RFC 8785 canonical JSON of the
// envelope with the signature stripped. Used as the audit correlation key.
func (e *Envelope) Digest() (string, error) {
	clone := *e
	clone.Sig = nil
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("digest marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("digest canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

// Boundary stages signed for every initiated operation.
const (
	StageStart    = "START"
	StageComplete = "COMPLETE"
)

// BoundaryRecord is one entry of a provider's private audit trail.
type BoundaryRecord struct {
	OperationID string    `json:"operation_id"`
	Stage       string    `json:"stage"`
	Fingerprint string    `json:"request_repr"`
	At          time.Time `json:"at"`
	Signature   string    `json:"signature"`
}

func signBoundary(key []byte, tag, op, stage, fingerprint string, at time.Time) string {
	return mac(key, tag, op, stage, fingerprint, strconv.FormatInt(at.UnixNano(), 10))
}

// VerifyBoundary checks a trail record against the provider's boundary key.
func VerifyBoundary(key []byte, tag string, rec BoundaryRecord) bool {
	want := signBoundary(key, tag, rec.OperationID, rec.Stage, rec.Fingerprint, rec.At)
	return hmac.Equal([]byte(want), []byte(rec.Signature))
}

// SignVote computes the signature the auditor checks on a vote.
func SignVote(key []byte, v wire.Vote) string {
	return mac(key, v.ProviderID, "VOTE", v.CorrelationID, v.Fingerprint, v.Domain, strconv.FormatBool(v.Initiated))
}

// VerifyVote reports whether v carries a valid signature under key.
func VerifyVote(key []byte, v wire.Vote) bool {
	if len(key) == 0 || v.Signature == "" {
		return false
	}
	return hmac.Equal([]byte(SignVote(key, v)), []byte(v.Signature))
}

func mac(key []byte, fields ...string) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(m.Sum(nil))
}

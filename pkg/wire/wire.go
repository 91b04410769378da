// Package wire defines the key-value bodies exchanged between fronts, hubs,
// providers, relays and the auditor, and how they are read off a request.
package wire

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ryandielhenn/relaymesh/pkg/binding"
)

// MaxBodyBytes is the default inbound size ceiling.
const MaxBodyBytes = 64 << 10

// Out-of-band request metadata read by fronts and hubs.
const (
	HeaderContext = "X-Verification-Context"
	HeaderDomain  = "X-Domain"
	HeaderSeq     = "X-Seq"
)

var (
	ErrTooLarge  = errors.New("wire: body exceeds size ceiling")
	ErrMalformed = errors.New("wire: malformed body")
)

// Artifact is the conveyed form of one request.
type Artifact struct {
	Fingerprint      string `json:"request_repr" cbor:"request_repr"`
	Context          string `json:"verification_context" cbor:"verification_context"`
	Domain           string `json:"domain" cbor:"domain"`
	Binding          string `json:"binding" cbor:"binding"`
	CorrelationID    string `json:"correlation_id" cbor:"correlation_id"`
	Sequence         int64  `json:"seq" cbor:"seq"`
	Region           string `json:"region,omitempty" cbor:"region,omitempty"`
	FromHub          string `json:"from_hub,omitempty" cbor:"from_hub,omitempty"`
	ReturnOutcomeURL string `json:"return_outcome_url,omitempty" cbor:"return_outcome_url,omitempty"`
}

// WellFormed checks that every field a relay depends on is present and
// shaped like something a front produced. Context is opaque and may be empty.
func (a Artifact) WellFormed() bool {
	return binding.WellFormed(a.Fingerprint) &&
		binding.WellFormed(a.Binding) &&
		a.Domain != "" &&
		a.CorrelationID != ""
}

// Vote is a provider's self-reported outcome for one correlation id.
type Vote struct {
	ProviderID    string `json:"provider_id" cbor:"provider_id"`
	CorrelationID string `json:"correlation_id" cbor:"correlation_id"`
	Domain        string `json:"domain" cbor:"domain"`
	Fingerprint   string `json:"request_repr" cbor:"request_repr"`
	Initiated     bool   `json:"initiated" cbor:"initiated"`
	Signature     string `json:"signature" cbor:"signature"`
	Region        string `json:"region,omitempty" cbor:"region,omitempty"`
	Sequence      int64  `json:"seq" cbor:"seq"`
}

// ReadBody reads at most limit bytes. A declared or actual length above the
// limit yields ErrTooLarge without the remainder being consumed.
func ReadBody(r *http.Request, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = MaxBodyBytes
	}
	if r.ContentLength > limit {
		return nil, ErrTooLarge
	}
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrTooLarge
	}
	return body, nil
}

// Decode reads a bounded body and unmarshals it with the codec named by the
// request's Content-Type.
func Decode(r *http.Request, limit int64, v any) error {
	c, ok := ForContentType(r.Header.Get("Content-Type"))
	if !ok {
		return ErrMalformed
	}
	body, err := ReadBody(r, limit)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return ErrMalformed
	}
	if err := c.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Seq parses the X-Seq header; absent or invalid values yield def.
func Seq(h http.Header, def int64) int64 {
	v := h.Get(HeaderSeq)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Ack writes the constant, outcome-free acknowledgment.
func Ack(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

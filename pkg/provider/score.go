package provider

import (
	"encoding/binary"
	"strings"

	"github.com/zeebo/blake3"
)

const scoreScale = 10_000_000

// Policy holds the provider's private acceptance thresholds.
type Policy struct {
	Thresholds map[string]float64
	// Default applies to domains without a threshold; it is deliberately
	// strict.
	Default float64
	// Sentinel is the context value that earns Bonus.
	Sentinel string
	Bonus    float64
}

func DefaultPolicy() Policy {
	return Policy{
		Thresholds: map[string]float64{
			"payments": 0.55,
			"identity": 0.60,
			"storage":  0.50,
			"compute":  0.60,
		},
		Default:  0.75,
		Sentinel: "CTX_ALPHA",
		Bonus:    0.20,
	}
}

func (p Policy) Threshold(domain string) float64 {
	if t, ok := p.Thresholds[domain]; ok {
		return t
	}
	return p.Default
}

// Score is the provider's deterministic adaptive score in [0,1], before
// comparison with the domain threshold.
func (p Policy) Score(key []byte, providerID, domain, fingerprint, context string) float64 {
	s := rawScore(key, providerID, domain, fingerprint, context)
	if p.Sentinel != "" && context == p.Sentinel {
		s += p.Bonus
	}
	return min(s, 1.0)
}

// rawScore maps a keyed BLAKE3 digest of the inputs onto [0,1).
func rawScore(key []byte, fields ...string) float64 {
	sum := keyedSum(key, strings.Join(fields, "|"))
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n%scoreScale) / scoreScale
}

func keyedSum(key []byte, msg string) []byte {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		// keys come from DeriveKeys and are always 32 bytes
		panic("provider: " + err.Error())
	}
	_, _ = h.Write([]byte(msg))
	return h.Sum(nil)
}

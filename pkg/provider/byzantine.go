package provider

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// Mode selects how a Byzantine provider misreports.
type Mode uint8

const (
	ModeOff Mode = iota
	// ModeInvert negates every reported decision from Start on.
	ModeInvert
	// ModeFlip negates a reported decision from Start on when a keyed
	// pseudo-random bit of the sequence number is set.
	ModeFlip
)

func (m Mode) String() string {
	switch m {
	case ModeInvert:
		return "invert"
	case ModeFlip:
		return "flip"
	}
	return "off"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "honest":
		return ModeOff, nil
	case "invert":
		return ModeInvert, nil
	case "flip":
		return ModeFlip, nil
	}
	return ModeOff, fmt.Errorf("unknown byzantine mode %q", s)
}

// Byzantine decides when a provider lies about its decision. Ground truth
// is never affected, only what is reported.
type Byzantine struct {
	Mode  Mode
	Start int64
	key   []byte
}

// Trigger reports whether the decision for seq is misreported. It is a pure
// function of (providerID, seq) for a given configuration.
func (b Byzantine) Trigger(providerID string, seq int64) bool {
	if b.Mode == ModeOff || seq < b.Start {
		return false
	}
	if b.Mode == ModeInvert {
		return true
	}
	sum := keyedSum(b.key, "FLIP|"+providerID+"|"+strconv.FormatInt(seq, 10))
	return sum[0]&1 == 1
}

// DeriveByzantineStart picks a start sequence that looks random but is fixed
// by seed, and falls after failoverAt whenever total leaves room for it.
func DeriveByzantineStart(seed []byte, total, failoverAt int64) int64 {
	if total <= 1 {
		return 0
	}
	lo := min(max(failoverAt+1, 0), total-1)
	span := max(1, total-lo)
	sum := blake3.Sum256(append(append([]byte(nil), seed...), "|BYZ_START"...))
	return lo + int64(sum[0])%span
}

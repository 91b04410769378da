package failover

import (
	"encoding/json"
	"fmt"
)

// Payloads builds the request body for a sequence number.
type Payloads interface {
	Payload(seq int64, domain string) []byte
}

// PayloadFunc adapts a function to Payloads.
type PayloadFunc func(seq int64, domain string) []byte

func (f PayloadFunc) Payload(seq int64, domain string) []byte { return f(seq, domain) }

// Transfers emits a compact JSON transfer order that is unique per seq.
type Transfers struct{}

type transfer struct {
	Amount int64  `json:"amount"`
	Domain string `json:"domain"`
	Op     string `json:"op"`
	Seq    int64  `json:"seq"`
	To     string `json:"to"`
}

func (Transfers) Payload(seq int64, domain string) []byte {
	b, _ := json.Marshal(transfer{
		Amount: 100 + seq%7,
		Domain: domain,
		Op:     "dispatch",
		Seq:    seq,
		To:     fmt.Sprintf("acct_%d", 1000+seq%23),
	})
	return b
}

package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// PaymentStatus is the terminal or in-flight state reported for a transaction.
type PaymentStatus string

const (
	PaymentSuccess  PaymentStatus = "success"
	PaymentFailed   PaymentStatus = "failed"
	PaymentPending  PaymentStatus = "pending"
	PaymentRetrying PaymentStatus = "retrying"
)

// Valid reports whether s is one of the known statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentSuccess, PaymentFailed, PaymentPending, PaymentRetrying:
		return true
	}
	return false
}

// PaymentMethod enumerates the instruments a transaction can be paid with.
type PaymentMethod string

const (
	MethodCard       PaymentMethod = "card"
	MethodUPI        PaymentMethod = "upi"
	MethodNetBanking PaymentMethod = "netbanking"
	MethodWallet     PaymentMethod = "wallet"
)

// Event is a single immutable transaction record observed on the stream.
type Event struct {
	TransactionID string        `json:"transaction_id"`
	Timestamp     time.Time     `json:"timestamp"`
	MerchantID    string        `json:"merchant_id,omitempty"`
	Amount        float64       `json:"amount"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	BankCode      string        `json:"bank_code"`
	Issuer        string        `json:"issuer"`
	Status        PaymentStatus `json:"status"`
	ErrorCode     string        `json:"error_code,omitempty"`
	LatencyMs     float64       `json:"latency_ms"`
	RetryCount    int           `json:"retry_count"`
	RoutingPath   string        `json:"routing_path"`
}

// ErrMalformedEvent marks events that must be dropped at ingestion.
var ErrMalformedEvent = errors.New("malformed event")

// Validate rejects events whose fields cannot feed the baseline formulas.
func (e Event) Validate() error {
	switch {
	case e.TransactionID == "":
		return fmt.Errorf("%w: missing transaction id", ErrMalformedEvent)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: %s has no timestamp", ErrMalformedEvent, e.TransactionID)
	case math.IsNaN(e.LatencyMs) || math.IsInf(e.LatencyMs, 0) || e.LatencyMs < 0:
		return fmt.Errorf("%w: %s has invalid latency %v", ErrMalformedEvent, e.TransactionID, e.LatencyMs)
	case e.RetryCount < 0:
		return fmt.Errorf("%w: %s has negative retry count", ErrMalformedEvent, e.TransactionID)
	case math.IsNaN(e.Amount) || e.Amount < 0:
		return fmt.Errorf("%w: %s has invalid amount", ErrMalformedEvent, e.TransactionID)
	case !e.Status.Valid():
		return fmt.Errorf("%w: %s has unknown status %q", ErrMalformedEvent, e.TransactionID, e.Status)
	}
	return nil
}

// Failed reports whether the transaction ended in failure.
func (e Event) Failed() bool {
	return e.Status == PaymentFailed
}

// Package ledger holds the transaction model and the pure aggregation
// functions that derive balances from it. Nothing in this package touches
// storage; callers pass in the transactions they want aggregated.
package ledger

import (
	"math"
	"time"
)

// Kind discriminates the two movements a transaction can represent.
// Refunds are modelled as new transactions, never as mutation or deletion
// of the original payment.
type Kind string

const (
	KindPayment Kind = "payment"
	KindRefund  Kind = "refund"
)

// Valid reports whether k is one of the known transaction kinds.
func (k Kind) Valid() bool {
	return k == KindPayment || k == KindRefund
}

// Transaction is a single immutable ledger entry. Amount is carried in
// minor currency units (cents); it is always strictly positive, the Kind
// decides the sign of its contribution to the balance.
type Transaction struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Kind      Kind      `json:"kind"`
	Amount    int64     `json:"amount"`
	Customer  string    `json:"customer"`
	CreatedAt time.Time `json:"created_at"`
}

// Balance returns total payments minus total refunds in cents.
// An empty slice yields zero.
func Balance(txns []Transaction) int64 {
	var balance int64
	for _, t := range txns {
		switch t.Kind {
		case KindPayment:
			balance += t.Amount
		case KindRefund:
			balance -= t.Amount
		}
	}
	return balance
}

// TotalByKind sums the amounts of all transactions of the given kind.
func TotalByKind(txns []Transaction, kind Kind) int64 {
	var total int64
	for _, t := range txns {
		if t.Kind == kind {
			total += t.Amount
		}
	}
	return total
}

// CustomerAggregate is the per-customer rollup shown on the customers view.
type CustomerAggregate struct {
	Name            string    `json:"name"`
	TotalPaid       int64     `json:"total_paid"`
	TotalRefunded   int64     `json:"total_refunded"`
	Count           int       `json:"transaction_count"`
	LastTransaction time.Time `json:"last_transaction"`
}

// CustomerAggregates rolls up txns by customer label in a single pass.
// "Most recent" ties are broken by input order: a later element with the
// same timestamp wins. The input order is expected to be the store's
// insertion order.
func CustomerAggregates(txns []Transaction) map[string]*CustomerAggregate {
	aggs := make(map[string]*CustomerAggregate)
	for _, t := range txns {
		agg, ok := aggs[t.Customer]
		if !ok {
			agg = &CustomerAggregate{Name: t.Customer}
			aggs[t.Customer] = agg
		}
		agg.Count++
		switch t.Kind {
		case KindPayment:
			agg.TotalPaid += t.Amount
		case KindRefund:
			agg.TotalRefunded += t.Amount
		}
		if !t.CreatedAt.Before(agg.LastTransaction) {
			agg.LastTransaction = t.CreatedAt
		}
	}
	return aggs
}

// ToMajorUnits converts cents to major currency units for display.
func ToMajorUnits(cents int64) float64 {
	return float64(cents) / 100
}

// FromMajorUnits converts a major-unit amount to cents, rounding half away
// from zero to the nearest minor unit.
func FromMajorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"payflow/pkg/ledger"
)

// Machine-readable error types of the public API.
const (
	errTypeAuth          = "authentication_error"
	errTypeInvalid       = "invalid_request"
	errTypeAPI           = "api_error"
	errTypeMalformedBody = "malformed_body"
)

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeRawJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Message: message, Type: errType}})
}

// transactionResource is the public shape of a payment or refund.
// Amounts are minor units (cents), matching the request representation.
type transactionResource struct {
	ID          string    `json:"id"`
	Object      string    `json:"object"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Customer    string    `json:"customer"`
	Description *string   `json:"description,omitempty"`
	Reason      *string   `json:"reason,omitempty"`
	Status      string    `json:"status"`
	Created     time.Time `json:"created"`
}

type listEnvelope struct {
	Object  string      `json:"object"`
	Data    interface{} `json:"data"`
	HasMore bool        `json:"has_more"`
}

func transactionResources(txns []ledger.Transaction, object string) []transactionResource {
	out := make([]transactionResource, 0, len(txns))
	for _, t := range txns {
		out = append(out, transactionResource{
			ID:       t.ID,
			Object:   object,
			Amount:   t.Amount,
			Currency: defaultCurrency,
			Customer: t.Customer,
			Status:   statusSucceeded,
			Created:  t.CreatedAt,
		})
	}
	return out
}

const (
	defaultCurrency = "usd"
	statusSucceeded = "succeeded"
)

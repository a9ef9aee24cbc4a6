package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"payflow/pkg/ledger"
	"payflow/pkg/payments"
	"payflow/pkg/store"
)

// listLimit caps every listing response.
const listLimit = 20

type createPaymentRequest struct {
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	Customer    string      `json:"customer"`
	Description *string     `json:"description"`
}

type createRefundRequest struct {
	Amount   json.Number `json:"amount"`
	Customer string      `json:"customer"`
	Reason   *string     `json:"reason"`
}

// parseAmount turns the request amount into positive integer cents.
// The boundary is the only place client-supplied numbers are trusted;
// anything that is not a positive integer is rejected here and never
// reaches the ledger.
func parseAmount(raw json.Number) (int64, error) {
	if raw.String() == "" {
		return 0, fmt.Errorf("amount missing")
	}
	amount, err := raw.Int64()
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("amount must be a positive integer")
	}
	return amount, nil
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	ownerID := OwnerID(r.Context())

	var req createPaymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeMalformedBody, "Invalid JSON body")
		return
	}
	if req.Amount.String() == "" || req.Customer == "" {
		writeError(w, http.StatusBadRequest, errTypeInvalid, "Missing required fields: amount, customer")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalid, "Amount must be a positive number (in cents)")
		return
	}

	txn, err := s.payments.CreatePayment(r.Context(), ownerID, amount, req.Customer)
	if err != nil {
		s.writeServiceError(w, r, err, "Failed to create payment")
		return
	}

	s.metrics.RecordPayment()
	s.invalidateListings(r, ownerID)

	currency := req.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	writeJSON(w, http.StatusCreated, transactionResource{
		ID:          txn.ID,
		Object:      "payment",
		Amount:      txn.Amount,
		Currency:    currency,
		Customer:    txn.Customer,
		Description: req.Description,
		Status:      statusSucceeded,
		Created:     txn.CreatedAt,
	})
}

func (s *Server) handleCreateRefund(w http.ResponseWriter, r *http.Request) {
	ownerID := OwnerID(r.Context())

	var req createRefundRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeMalformedBody, "Invalid JSON body")
		return
	}
	if req.Amount.String() == "" || req.Customer == "" {
		writeError(w, http.StatusBadRequest, errTypeInvalid, "Missing required fields: amount, customer")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalid, "Amount must be a positive number (in cents)")
		return
	}

	txn, err := s.payments.CreateRefund(r.Context(), ownerID, amount, req.Customer)
	if err != nil {
		if store.IsInsufficientBalance(err) {
			s.metrics.RecordRefundRejected("insufficient_balance")
			writeError(w, http.StatusBadRequest, errTypeInvalid, "Refund amount exceeds available balance")
			return
		}
		s.writeServiceError(w, r, err, "Failed to create refund")
		return
	}

	s.metrics.RecordRefund()
	s.invalidateListings(r, ownerID)

	writeJSON(w, http.StatusCreated, transactionResource{
		ID:       txn.ID,
		Object:   "refund",
		Amount:   txn.Amount,
		Currency: defaultCurrency,
		Customer: txn.Customer,
		Reason:   req.Reason,
		Status:   statusSucceeded,
		Created:  txn.CreatedAt,
	})
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	s.handleListByKind(w, r, ledger.KindPayment, "payment")
}

func (s *Server) handleListRefunds(w http.ResponseWriter, r *http.Request) {
	s.handleListByKind(w, r, ledger.KindRefund, "refund")
}

func (s *Server) handleListByKind(w http.ResponseWriter, r *http.Request, kind ledger.Kind, object string) {
	ownerID := OwnerID(r.Context())
	key := listingKey(object+"s", ownerID)

	data, cached, err := s.loader.Load(r.Context(), key, func(ctx context.Context) ([]byte, error) {
		txns, err := s.payments.ListRecent(ctx, ownerID, kind, listLimit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(listEnvelope{
			Object:  "list",
			Data:    transactionResources(txns, object),
			HasMore: false,
		})
	})
	if err != nil {
		s.writeServiceError(w, r, err, "Failed to fetch "+object+"s")
		return
	}

	w.Header().Set("X-Cache-Hit", fmt.Sprintf("%t", cached))
	writeRawJSON(w, http.StatusOK, data)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	ownerID := OwnerID(r.Context())

	// Never cached: the balance is always derived from the full log.
	balance, err := s.payments.Balance(r.Context(), ownerID)
	if err != nil {
		s.writeServiceError(w, r, err, "Failed to compute balance")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object":   "balance",
		"amount":   balance,
		"currency": defaultCurrency,
	})
}

func (s *Server) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	ownerID := OwnerID(r.Context())
	key := listingKey("customers", ownerID)

	data, cached, err := s.loader.Load(r.Context(), key, func(ctx context.Context) ([]byte, error) {
		aggs, err := s.payments.Customers(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if aggs == nil {
			aggs = []ledger.CustomerAggregate{}
		}
		return json.Marshal(listEnvelope{
			Object:  "list",
			Data:    aggs,
			HasMore: false,
		})
	})
	if err != nil {
		s.writeServiceError(w, r, err, "Failed to fetch customers")
		return
	}

	w.Header().Set("X-Cache-Hit", fmt.Sprintf("%t", cached))
	writeRawJSON(w, http.StatusOK, data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store_unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

func listingKey(collection, ownerID string) string {
	return collection + ":" + ownerID
}

// invalidateListings drops every cached listing for the owner after a
// successful write.
func (s *Server) invalidateListings(r *http.Request, ownerID string) {
	s.loader.Invalidate(r.Context(),
		listingKey("payments", ownerID),
		listingKey("refunds", ownerID),
		listingKey("customers", ownerID),
	)
}

// writeServiceError maps internal failures onto the public taxonomy.
// Validation errors become invalid_request; anything else is a store or
// infrastructure failure and surfaces as api_error.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, payments.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, errTypeInvalid, "Amount must be a positive number (in cents)")
	case errors.Is(err, payments.ErrMissingCustomer):
		writeError(w, http.StatusBadRequest, errTypeInvalid, "Missing required fields: amount, customer")
	default:
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, errTypeAPI, message)
	}
}

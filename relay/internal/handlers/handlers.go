package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aaronwang/bidding-app/relay/internal/database"
	"github.com/aaronwang/bidding-app/relay/internal/history"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AuctionReader reads current auction state
type AuctionReader interface {
	CurrentBid(ctx context.Context, code models.AuctionCode) (*models.Auction, error)
}

// Finalizer archives a closed auction
type Finalizer interface {
	Finalize(ctx context.Context, c history.Closing) error
}

// Handler contains the operator HTTP handlers
type Handler struct {
	auctions  AuctionReader
	finalizer Finalizer
	timeout   time.Duration
	log       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(auctions AuctionReader, finalizer Finalizer, timeout time.Duration, log *zap.Logger) *Handler {
	return &Handler{
		auctions:  auctions,
		finalizer: finalizer,
		timeout:   timeout,
		log:       log,
	}
}

// Routes mounts the API under /api/v1
func (h *Handler) Routes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auctions/{code}", h.GetAuction).Methods(http.MethodGet)
	api.HandleFunc("/products/{id}/finalize", h.FinalizeProduct).Methods(http.MethodPost)
	api.Use(loggingMiddleware(h.log))
}

// GetAuction returns the current bid of an active auction
func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	if !models.ValidAuctionCode(code) {
		respondError(w, http.StatusBadRequest, "Invalid auction code")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	auction, err := h.auctions.CurrentBid(ctx, models.AuctionCode(code))
	switch {
	case errors.Is(err, database.ErrAuctionNotFound):
		respondError(w, http.StatusNotFound, "Auction not found or not active")
		return
	case err != nil:
		h.log.Error("Failed to read auction", zap.String("auction_code", code), zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "State store unavailable")
		return
	}

	respondJSON(w, http.StatusOK, auction)
}

// FinalizeRequest is the body of a finalize call
type FinalizeRequest struct {
	Winner      string          `json:"winner"`
	FinalBid    decimal.Decimal `json:"final_bid"`
	ProductName string          `json:"product_name,omitempty"`
	AuctionCode string          `json:"auction_code,omitempty"`
}

// FinalizeProduct archives the bid log of a closed auction and marks the
// product sold. Store failures are logged, not surfaced, so a lifecycle
// sweep calling this keeps going.
func (h *Handler) FinalizeProduct(w http.ResponseWriter, r *http.Request) {
	productID := mux.Vars(r)["id"]

	var req FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Winner == "" {
		respondError(w, http.StatusBadRequest, "Winner is required")
		return
	}
	if req.FinalBid.IsNegative() {
		respondError(w, http.StatusBadRequest, "Final bid must not be negative")
		return
	}
	if req.AuctionCode != "" && !models.ValidAuctionCode(req.AuctionCode) {
		respondError(w, http.StatusBadRequest, "Invalid auction code")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	err := h.finalizer.Finalize(ctx, history.Closing{
		ProductID:   productID,
		ProductName: req.ProductName,
		AuctionCode: models.AuctionCode(req.AuctionCode),
		Winner:      req.Winner,
		FinalBid:    req.FinalBid,
	})
	if err != nil {
		h.log.Error("Finalize failed", zap.String("product_id", productID), zap.Error(err))
	} else {
		h.log.Info("Auction finalized", zap.String("product_id", productID), zap.String("winner", req.Winner))
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"product_id": productID, "status": models.ProductStatusSold})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// loggingMiddleware logs all API requests
func loggingMiddleware(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("API request",
				zap.String("method", r.Method),
				zap.String("uri", r.RequestURI),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

package http_api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/core-coin/tributum/internal/models"
)

// AddSubscriptionRequest represents the JSON body for /add_subscription
type AddSubscriptionRequest struct {
	UserID       int64            `json:"user_id" binding:"required,gt=0"`
	ServiceName  string           `json:"service_name" binding:"required,max=255"`
	Cost         *decimal.Decimal `json:"cost" binding:"required"`
	Currency     string           `json:"currency" binding:"required,currency"`
	BillingCycle string           `json:"billing_cycle" binding:"required,oneof=monthly yearly"`
	// NextPaymentDate is a calendar date (2006-01-02) or an RFC 3339 timestamp
	NextPaymentDate string `json:"next_payment_date" binding:"required"`
}

// VerifyPaymentRequest represents the JSON body for /verify-payment.
// ServiceName may be omitted when the user has a single payable subscription.
type VerifyPaymentRequest struct {
	UserID      int64            `json:"userId" binding:"required,gt=0"`
	TxHash      string           `json:"txHash" binding:"required,txhash"`
	ServiceName string           `json:"serviceName"`
	Amount      *decimal.Decimal `json:"amount"`
	Currency    string           `json:"currency" binding:"omitempty,currency"`
}

// CancelSubscriptionRequest represents the JSON body for /cancel_subscription
type CancelSubscriptionRequest struct {
	UserID      int64  `json:"user_id" binding:"required,gt=0"`
	ServiceName string `json:"service_name" binding:"required"`
}

// addSubscription is a handler for the /add_subscription endpoint.
func (s *HTTPServer) addSubscription(c *gin.Context) {
	var req AddSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	due, err := parseDate(req.NextPaymentDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "next_payment_date must be a date such as 2025-03-01",
			"field":   "next_payment_date",
		})
		return
	}

	sub := &models.Subscription{
		UserID:          req.UserID,
		ServiceName:     req.ServiceName,
		Cost:            *req.Cost,
		Currency:        req.Currency,
		BillingCycle:    models.BillingCycle(req.BillingCycle),
		NextPaymentDate: due,
	}
	if err := s.tributum.AddSubscription(c.Request.Context(), sub); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status": "success",
		"id":     sub.ID,
	})
}

// verifyPayment is a handler for the /verify-payment endpoint.
// Validation and deduplication happen before the response; the ledger check runs in the background.
func (s *HTTPServer) verifyPayment(c *gin.Context) {
	var req VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.tributum.SubmitPayment(c.Request.Context(), models.PaymentRequest{
		UserID:      req.UserID,
		TxHash:      req.TxHash,
		ServiceName: req.ServiceName,
		Amount:      req.Amount,
		Currency:    req.Currency,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	switch res.Outcome {
	case models.OutcomeInvalid:
		s.logger.Debugw("payment claim rejected", "user_id", req.UserID, "tx_hash", req.TxHash, "field", res.Invalid.Field, "reason", res.Invalid.Reason)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   res.Invalid.Reason,
			"field":   res.Invalid.Field,
		})
	case models.OutcomeAlreadyProcessed:
		body := gin.H{
			"success": true,
			"status":  string(res.Verdict.Kind),
			"tx_hash": res.TxHash,
		}
		if res.Verdict.Reason != "" {
			body["reason"] = string(res.Verdict.Reason)
		}
		c.JSON(http.StatusOK, body)
	default:
		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"status":  string(models.VerdictPending),
			"tx_hash": res.TxHash,
		})
	}
}

// cancelSubscription is a handler for the /cancel_subscription endpoint.
func (s *HTTPServer) cancelSubscription(c *gin.Context) {
	var req CancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	if err := s.tributum.CancelSubscription(c.Request.Context(), req.UserID, req.ServiceName); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Subscription cancelled",
	})
}

func (s *HTTPServer) listSubscriptions(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	subs, err := s.tributum.ListSubscriptions(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if subs == nil {
		subs = []*models.Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"subscriptions": subs,
	})
}

// subscriptionTotals is a handler for /api/v1/subscriptions/total
func (s *HTTPServer) subscriptionTotals(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	totals, err := s.tributum.SubscriptionTotals(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, totals)
}

// queryUserID reads the user_id query parameter and answers 400 when it is missing.
func queryUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "user_id is required", "field": "user_id"})
		return 0, false
	}
	return userID, true
}

func (s *HTTPServer) getClaim(c *gin.Context) {
	claim, err := s.tributum.GetClaim(c.Request.Context(), c.Param("tx_hash"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (s *HTTPServer) badRequest(c *gin.Context, err error) {
	message, field := bindingError(err)
	s.logger.Debugw("Invalid request body", "path", c.FullPath(), "error", err)
	body := gin.H{
		"success": false,
		"error":   message,
	}
	if field != "" {
		body["field"] = field
	}
	c.JSON(http.StatusBadRequest, body)
}

// writeError maps business errors to HTTP statuses
func (s *HTTPServer) writeError(c *gin.Context, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": verr.Reason, "field": verr.Field})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
	case errors.Is(err, models.ErrSubscriptionExists), errors.Is(err, models.ErrClaimNotReopenable):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	default:
		s.logger.Errorw("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
	}
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

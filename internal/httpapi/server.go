// Package httpapi exposes the gateway over HTTP with gin.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditgate/internal/gateway"
	"github.com/MarkoPoloResearchLab/creditgate/internal/provider"
	"github.com/MarkoPoloResearchLab/creditgate/internal/settlement"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

const (
	claimsContextKey       = "auth_claims"
	idempotencyHeader      = "Idempotency-Key"
	webhookSecretHeader    = "X-Webhook-Secret"
	defaultEntriesLimit    = 50
	maxEntriesLimit        = 200
	shutdownTimeout        = 5 * time.Second
	errorCodeUnauthorized  = "unauthorized"
	errorCodeForbidden     = "forbidden"
	errorCodeInvalidInput  = "invalid_request"
	errorCodeInternalError = "internal_error"
)

// Gateway is the request pipeline served by the API.
type Gateway interface {
	Generate(ctx context.Context, request gateway.Request) (gateway.Response, error)
	Balance(ctx context.Context, accountID string) (ledger.Balance, error)
	Quota(ctx context.Context, accountID string) (gateway.Quota, error)
	EndpointHealth() []provider.EndpointHealth
	AllowedModels() map[string][]string
}

// EntryLister reads the audit trail.
type EntryLister interface {
	ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
}

// PaymentSettler applies payment-provider notifications.
type PaymentSettler interface {
	SettlePayment(ctx context.Context, event settlement.PaymentEvent) (settlement.Outcome, error)
}

// Config carries HTTP runtime settings. Session settings are optional; without a signing key the
// account id in the request is trusted.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	WebhookSecret     string
}

// Server is the HTTP facade.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	gateway  Gateway
	entries  EntryLister
	payments PaymentSettler
	router   *gin.Engine
}

// New builds the router.
func New(cfg Config, gatewayService Gateway, entries EntryLister, payments PaymentSettler, logger *zap.Logger) (*Server, error) {
	if gatewayService == nil || entries == nil || payments == nil {
		return nil, errors.New("httpapi: gateway, entry lister, and payment settler are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		cfg:      cfg,
		logger:   logger,
		gateway:  gatewayService,
		entries:  entries,
		payments: payments,
	}
	var validator *sessionvalidator.Validator
	if cfg.SessionSigningKey != "" {
		created, err := sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return nil, fmt.Errorf("session validator: %w", err)
		}
		validator = created
	}
	server.router = server.setupRouter(validator)
	return server, nil
}

// Handler returns the HTTP handler.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http server listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter(validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", idempotencyHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", server.handleHealth)
	router.POST("/v1/payments/events", server.handlePaymentEvent)

	api := router.Group("/v1")
	if validator != nil {
		api.Use(validator.GinMiddleware(claimsContextKey))
	}
	api.POST("/generate", server.handleGenerate)
	api.GET("/accounts/:account_id/balance", server.handleBalance)
	api.GET("/accounts/:account_id/entries", server.handleEntries)
	api.GET("/accounts/:account_id/quota", server.handleQuota)
	api.GET("/providers/health", server.handleProviderHealth)
	return router
}

func (server *Server) handleHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"allowed_models": server.gateway.AllowedModels(),
	})
}

type generateRequest struct {
	AccountID        string          `json:"account_id"`
	Capability       string          `json:"capability"`
	Model            string          `json:"model"`
	Params           json.RawMessage `json:"params"`
	Tier             string          `json:"tier"`
	IdempotencyToken string          `json:"idempotency_token"`
	DeadlineMillis   int64           `json:"deadline_ms"`
}

func (server *Server) handleGenerate(ctx *gin.Context) {
	var body generateRequest
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidInput, err.Error()))
		return
	}
	accountID, ok := server.resolveAccount(ctx, body.AccountID)
	if !ok {
		return
	}
	token := body.IdempotencyToken
	if header := ctx.GetHeader(idempotencyHeader); header != "" {
		token = header
	}
	request := gateway.Request{
		AccountID:        accountID,
		Capability:       body.Capability,
		Model:            body.Model,
		Params:           body.Params,
		TierOverride:     body.Tier,
		IdempotencyToken: token,
	}
	if body.DeadlineMillis > 0 {
		request.Deadline = time.Now().Add(time.Duration(body.DeadlineMillis) * time.Millisecond)
	}
	response, err := server.gateway.Generate(ctx.Request.Context(), request)
	if err != nil {
		statusCode, code := statusForError(err)
		payload := errorResponse(code, err.Error())
		payload["state"] = response.State
		payload["credits_remaining"] = response.CreditsRemaining
		ctx.JSON(statusCode, payload)
		return
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleBalance(ctx *gin.Context) {
	accountID, ok := server.resolveAccount(ctx, ctx.Param("account_id"))
	if !ok {
		return
	}
	balance, err := server.gateway.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		statusCode, code := statusForError(err)
		ctx.JSON(statusCode, errorResponse(code, err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, balancePayload{
		AccountID:        accountID,
		Tier:             balance.Tier.String(),
		Active:           balance.Active,
		CreditsRemaining: balance.CreditsRemaining.Int64(),
		CreditsTotal:     balance.CreditsTotal.Int64(),
		CreditsReserved:  balance.CreditsReserved.Int64(),
		CreditsSpent:     balance.CreditsSpent.Int64(),
	})
}

func (server *Server) handleQuota(ctx *gin.Context) {
	accountID, ok := server.resolveAccount(ctx, ctx.Param("account_id"))
	if !ok {
		return
	}
	quota, err := server.gateway.Quota(ctx.Request.Context(), accountID)
	if err != nil {
		statusCode, code := statusForError(err)
		ctx.JSON(statusCode, errorResponse(code, err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, quota)
}

func (server *Server) handleEntries(ctx *gin.Context) {
	rawAccountID, ok := server.resolveAccount(ctx, ctx.Param("account_id"))
	if !ok {
		return
	}
	accountID, err := ledger.NewAccountID(rawAccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidInput, err.Error()))
		return
	}
	limit, err := parseLimit(ctx.Query("limit"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidInput, err.Error()))
		return
	}
	var before int64
	if raw := ctx.Query("before"); raw != "" {
		before, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || before < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidInput, "before must be a unix timestamp"))
			return
		}
	}
	entries, err := server.entries.ListEntries(ctx.Request.Context(), accountID, before, limit)
	if err != nil {
		server.logger.Warn("list entries failed", zap.String("account_id", rawAccountID), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("transient_storage", err.Error()))
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			EntryID:        entry.EntryID,
			Type:           entry.Type.String(),
			Amount:         entry.Amount,
			ReservationID:  entry.ReservationID,
			IdempotencyKey: entry.IdempotencyKey.String(),
			Metadata:       json.RawMessage(entry.MetadataJSON.String()),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (server *Server) handleProviderHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"providers": server.gateway.EndpointHealth()})
}

type paymentEventRequest struct {
	EventID         string `json:"event_id"`
	SessionID       string `json:"session_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	AccountID       string `json:"account_id"`
	PlanID          string `json:"plan_id"`
	AmountPaid      int64  `json:"amount_paid"`
	Currency        string `json:"currency"`
	CreditsGranted  int64  `json:"credits_granted"`
	Status          string `json:"status"`
}

func (server *Server) handlePaymentEvent(ctx *gin.Context) {
	if server.cfg.WebhookSecret != "" {
		provided := ctx.GetHeader(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(server.cfg.WebhookSecret)) != 1 {
			ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "invalid webhook secret"))
			return
		}
	}
	var body paymentEventRequest
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidInput, err.Error()))
		return
	}
	outcome, err := server.payments.SettlePayment(ctx.Request.Context(), settlement.PaymentEvent{
		EventID:         body.EventID,
		SessionID:       body.SessionID,
		PaymentIntentID: body.PaymentIntentID,
		AccountID:       body.AccountID,
		PlanID:          body.PlanID,
		AmountPaid:      body.AmountPaid,
		Currency:        body.Currency,
		CreditsGranted:  body.CreditsGranted,
		Status:          body.Status,
	})
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"outcome": outcome})
	case errors.Is(err, settlement.ErrInvalidPaymentEvent), errors.Is(err, settlement.ErrUnknownPlan):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payment_event", err.Error()))
	default:
		server.logger.Error("payment settlement failed", zap.String("event_id", body.EventID), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("transient_storage", err.Error()))
	}
}

// resolveAccount binds the request to the session user when sessions are enabled.
func (server *Server) resolveAccount(ctx *gin.Context, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	claims := getClaims(ctx)
	if claims == nil {
		if server.cfg.SessionSigningKey != "" {
			ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
			return "", false
		}
		return requested, true
	}
	userID := claims.GetUserID()
	if requested != "" && requested != userID {
		ctx.JSON(http.StatusForbidden, errorResponse(errorCodeForbidden, "account does not belong to session"))
		return "", false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultEntriesLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxEntriesLimit {
		return maxEntriesLimit, nil
	}
	return limit, nil
}

// statusForError maps gateway errors to HTTP status and a stable code.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, gateway.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, gateway.ErrAccountInactive):
		return http.StatusForbidden, "account_inactive"
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, gateway.ErrRequestInFlight):
		return http.StatusConflict, "request_in_flight"
	case errors.Is(err, gateway.ErrAllProvidersExhausted):
		return http.StatusServiceUnavailable, "all_providers_exhausted"
	case errors.Is(err, gateway.ErrTransientStorage):
		return http.StatusServiceUnavailable, "transient_storage"
	case errors.Is(err, gateway.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded"
	default:
		return http.StatusInternalServerError, errorCodeInternalError
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type balancePayload struct {
	AccountID        string `json:"account_id"`
	Tier             string `json:"tier"`
	Active           bool   `json:"active"`
	CreditsRemaining int64  `json:"credits_remaining"`
	CreditsTotal     int64  `json:"credits_total"`
	CreditsReserved  int64  `json:"credits_reserved"`
	CreditsSpent     int64  `json:"credits_spent"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Type           string          `json:"type"`
	Amount         int64           `json:"amount"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

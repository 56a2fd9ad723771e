// Package grpcserver exposes the gateway over gRPC.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/MarkoPoloResearchLab/creditgate/internal/gateway"
	"github.com/MarkoPoloResearchLab/creditgate/internal/provider"
	"github.com/MarkoPoloResearchLab/creditgate/internal/settlement"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

const (
	errorInvalidRequest        = "invalid_request"
	errorInsufficientCredits   = "insufficient_credits"
	errorAccountInactive       = "account_inactive"
	errorAllProvidersExhausted = "all_providers_exhausted"
	errorRateLimited           = "rate_limited"
	errorTransientStorage      = "transient_storage"
	errorRequestInFlight       = "request_in_flight"
	errorDeadlineExceeded      = "deadline_exceeded"
	errorInvalidPaymentEvent   = "invalid_payment_event"
	errorInvalidListLimit      = "invalid_list_limit"

	defaultListEntriesLimit = 50
	maxListEntriesLimit     = 200
)

// Gateway is the request pipeline served over gRPC.
type Gateway interface {
	Generate(ctx context.Context, request gateway.Request) (gateway.Response, error)
	Balance(ctx context.Context, accountID string) (ledger.Balance, error)
	Quota(ctx context.Context, accountID string) (gateway.Quota, error)
	EndpointHealth() []provider.EndpointHealth
}

// EntryLister reads the audit trail.
type EntryLister interface {
	ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
}

// PaymentSettler applies payment-provider notifications.
type PaymentSettler interface {
	SettlePayment(ctx context.Context, event settlement.PaymentEvent) (settlement.Outcome, error)
}

// GatewayServer implements GatewayServiceServer.
type GatewayServer struct {
	gateway  Gateway
	entries  EntryLister
	payments PaymentSettler
}

// NewGatewayServer constructs the gRPC service.
func NewGatewayServer(gatewayService Gateway, entries EntryLister, payments PaymentSettler) *GatewayServer {
	return &GatewayServer{gateway: gatewayService, entries: entries, payments: payments}
}

// Generate runs one request. The call deadline bounds dispatch; caller cancellation does not.
func (server *GatewayServer) Generate(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	var params json.RawMessage
	if value, ok := request.GetFields()["params"]; ok {
		encoded, err := json.Marshal(value.AsInterface())
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, errorInvalidRequest)
		}
		params = encoded
	}
	response, err := server.gateway.Generate(ctx, gateway.Request{
		AccountID:        stringField(request, "account_id"),
		Capability:       stringField(request, "capability"),
		Model:            stringField(request, "model"),
		Params:           params,
		TierOverride:     stringField(request, "tier"),
		IdempotencyToken: stringField(request, "idempotency_token"),
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	fields := map[string]any{
		"credits_remaining": response.CreditsRemaining,
		"credits_charged":   response.CreditsCharged,
		"overrun":           response.Overrun,
		"provider_id":       response.ProviderID,
		"model":             response.Model,
		"state":             string(response.State),
	}
	if len(response.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(response.Payload, &payload); err != nil {
			return nil, status.Error(codes.Internal, fmt.Sprintf("decode payload: %v", err))
		}
		fields["payload"] = payload
	}
	return newStruct(fields)
}

func (server *GatewayServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID := stringField(request, "account_id")
	balance, err := server.gateway.Balance(ctx, accountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{
		"account_id":        accountID,
		"tier":              balance.Tier.String(),
		"active":            balance.Active,
		"credits_remaining": balance.CreditsRemaining.Int64(),
		"credits_total":     balance.CreditsTotal.Int64(),
		"credits_reserved":  balance.CreditsReserved.Int64(),
		"credits_spent":     balance.CreditsSpent.Int64(),
	})
}

func (server *GatewayServer) GetQuota(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	quota, err := server.gateway.Quota(ctx, stringField(request, "account_id"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{
		"account_id":          quota.AccountID,
		"tier":                quota.Tier,
		"month":               quota.Month,
		"current_usage":       quota.CurrentUsage,
		"monthly_limit":       quota.MonthlyLimit,
		"remaining":           quota.Remaining,
		"minute_usage":        quota.MinuteUsage,
		"requests_per_minute": quota.RequestsPerMinute,
	})
}

func (server *GatewayServer) ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, "account_id"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidRequest)
	}
	limit, err := normalizeListLimit(intField(request, "limit"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	entries, err := server.entries.ListEntries(ctx, accountID, intField(request, "before_unix_utc"), int(limit))
	if err != nil {
		return nil, status.Error(codes.Unavailable, errorTransientStorage)
	}
	listed := make([]any, 0, len(entries))
	for _, entry := range entries {
		var metadata any
		if err := json.Unmarshal([]byte(entry.MetadataJSON.String()), &metadata); err != nil {
			metadata = map[string]any{}
		}
		listed = append(listed, map[string]any{
			"entry_id":         entry.EntryID,
			"type":             entry.Type.String(),
			"amount":           entry.Amount,
			"reservation_id":   entry.ReservationID,
			"idempotency_key":  entry.IdempotencyKey.String(),
			"metadata":         metadata,
			"created_unix_utc": entry.CreatedUnixUTC,
		})
	}
	return newStruct(map[string]any{"entries": listed})
}

func (server *GatewayServer) GetEndpointHealth(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	health := server.gateway.EndpointHealth()
	providers := make([]any, 0, len(health))
	for _, endpoint := range health {
		item := map[string]any{
			"provider_id":          endpoint.ProviderID,
			"priority":             endpoint.Priority,
			"state":                string(endpoint.State),
			"consecutive_failures": endpoint.ConsecutiveFailures,
		}
		if !endpoint.OpenedAt.IsZero() {
			item["opened_at_unix_utc"] = endpoint.OpenedAt.UTC().Unix()
		}
		providers = append(providers, item)
	}
	return newStruct(map[string]any{"providers": providers})
}

func (server *GatewayServer) SettlePayment(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	outcome, err := server.payments.SettlePayment(ctx, settlement.PaymentEvent{
		EventID:         stringField(request, "event_id"),
		SessionID:       stringField(request, "session_id"),
		PaymentIntentID: stringField(request, "payment_intent_id"),
		AccountID:       stringField(request, "account_id"),
		PlanID:          stringField(request, "plan_id"),
		AmountPaid:      intField(request, "amount_paid"),
		Currency:        stringField(request, "currency"),
		CreditsGranted:  intField(request, "credits_granted"),
		Status:          stringField(request, "status"),
	})
	switch {
	case err == nil:
		return newStruct(map[string]any{"outcome": string(outcome)})
	case errors.Is(err, settlement.ErrInvalidPaymentEvent), errors.Is(err, settlement.ErrUnknownPlan):
		return nil, status.Error(codes.InvalidArgument, errorInvalidPaymentEvent)
	default:
		return nil, status.Error(codes.Unavailable, errorTransientStorage)
	}
}

func stringField(request *structpb.Struct, name string) string {
	return request.GetFields()[name].GetStringValue()
}

func intField(request *structpb.Struct, name string) int64 {
	value := request.GetFields()[name].GetNumberValue()
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return int64(value)
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	message, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return message, nil
}

func normalizeListLimit(limit int64) (int64, error) {
	if limit <= 0 {
		return defaultListEntriesLimit, nil
	}
	if limit > maxListEntriesLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxListEntriesLimit)
	}
	return limit, nil
}

func mapToGRPCError(source error) error {
	if errors.Is(source, gateway.ErrInvalidRequest) {
		return status.Error(codes.InvalidArgument, errorInvalidRequest)
	}
	if errors.Is(source, gateway.ErrInsufficientCredits) {
		return status.Error(codes.FailedPrecondition, errorInsufficientCredits)
	}
	if errors.Is(source, gateway.ErrAccountInactive) {
		return status.Error(codes.PermissionDenied, errorAccountInactive)
	}
	if errors.Is(source, gateway.ErrAllProvidersExhausted) {
		return status.Error(codes.Unavailable, errorAllProvidersExhausted)
	}
	if errors.Is(source, gateway.ErrRateLimited) {
		return status.Error(codes.ResourceExhausted, errorRateLimited)
	}
	if errors.Is(source, gateway.ErrTransientStorage) {
		return status.Error(codes.Unavailable, errorTransientStorage)
	}
	if errors.Is(source, gateway.ErrRequestInFlight) {
		return status.Error(codes.Aborted, errorRequestInFlight)
	}
	if errors.Is(source, gateway.ErrDeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, errorDeadlineExceeded)
	}
	return status.Error(codes.Internal, source.Error())
}

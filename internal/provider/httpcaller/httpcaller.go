// Package httpcaller adapts a JSON-over-HTTP generation back-end to provider.Caller.
package httpcaller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditgate/internal/provider"
)

const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	headerRetryAfter    = "Retry-After"
	contentTypeJSON     = "application/json"
	maxErrorBodyBytes   = 4 << 10
	maxResponseBytes    = 32 << 20
)

// Config describes one provider account reachable over HTTP.
type Config struct {
	URL    string
	APIKey string
	Client *http.Client
}

// Caller posts provider.Request as JSON and expects {"payload": ..., "usage": {...}} back.
type Caller struct {
	url    string
	apiKey string
	client *http.Client
}

// New validates config and returns a Caller.
func New(config Config) (*Caller, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, errors.New("httpcaller: url is required")
	}
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Caller{url: config.URL, apiKey: config.APIKey, client: client}, nil
}

type responseBody struct {
	Payload json.RawMessage `json:"payload"`
	Usage   provider.Usage  `json:"usage"`
}

// Call performs the request. Errors are *provider.ProviderError unless ctx ended first.
func (caller *Caller) Call(ctx context.Context, request provider.Request) (provider.Result, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return provider.Result{}, provider.NewProviderError(provider.FailureRequest, 0, err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, caller.url, bytes.NewReader(body))
	if err != nil {
		return provider.Result{}, provider.NewProviderError(provider.FailureRequest, 0, err)
	}
	httpRequest.Header.Set(headerContentType, contentTypeJSON)
	if caller.apiKey != "" {
		httpRequest.Header.Set(headerAuthorization, "Bearer "+caller.apiKey)
	}

	response, err := caller.client.Do(httpRequest)
	if err != nil {
		if ctx.Err() != nil {
			return provider.Result{}, ctx.Err()
		}
		return provider.Result{}, provider.NewProviderError(provider.FailureTransient, 0, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return provider.Result{}, classifyResponse(response)
	}
	var decoded responseBody
	if err := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes)).Decode(&decoded); err != nil {
		return provider.Result{}, provider.NewProviderError(provider.FailureTransient, response.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return provider.Result{Payload: decoded.Payload, Usage: decoded.Usage}, nil
}

func classifyResponse(response *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	cause := fmt.Errorf("%s: %s", response.Status, strings.TrimSpace(string(snippet)))
	switch status := response.StatusCode; {
	case status == http.StatusTooManyRequests:
		providerError := provider.NewProviderError(provider.FailureCapacity, status, cause)
		providerError.RetryAfter = ParseRetryAfter(response.Header.Get(headerRetryAfter), time.Now())
		return providerError
	case status == http.StatusPaymentRequired:
		return provider.NewProviderError(provider.FailureCapacity, status, cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provider.NewProviderError(provider.FailurePermission, status, cause)
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusRequestEntityTooLarge || status == http.StatusUnprocessableEntity:
		return provider.NewProviderError(provider.FailureRequest, status, cause)
	default:
		return provider.NewProviderError(provider.FailureTransient, status, cause)
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date. It returns 0 when absent.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if delay := at.Sub(now); delay > 0 {
			return delay
		}
	}
	return 0
}

package server

import (
	"time"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
)

// ErrorResponse represents a standardized error response format
type ErrorResponse struct {
	Error   string `json:"error"`             // Human-readable error message
	Code    int    `json:"code"`              // HTTP status code
	Details any    `json:"details,omitempty"` // Additional error details (dev mode only)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	OK bool `json:"ok"`
}

// ItemsResponse wraps list results
type ItemsResponse[T any] struct {
	Items []T `json:"items"`
}

// AddWalletRequest registers a wallet for monitoring
type AddWalletRequest struct {
	Address string  `json:"address"`
	Name    *string `json:"name"`
	GroupID *int64  `json:"groupId"`
}

// CountResponse reports how many rows a bulk operation touched
type CountResponse struct {
	Count int `json:"count"`
}

// CreateGroupRequest creates a wallet group
type CreateGroupRequest struct {
	Name string `json:"name"`
}

// PricesRequest asks for USD quotes of several mints at once
type PricesRequest struct {
	Mints []string `json:"mints"`
}

// PriceResponse is one USD quote
type PriceResponse struct {
	Price     float64            `json:"price"`
	Source    models.PriceSource `json:"source"`
	Timestamp time.Time          `json:"timestamp"`
}

// FlagUpsertRequest represents a request to create or update a feature flag
type FlagUpsertRequest struct {
	Key   string `json:"key"`   // Flag key (must match regex pattern)
	Value bool   `json:"value"` // Flag value (true/false)
}

// FlagUpdateRequest represents a request to update an existing feature flag
type FlagUpdateRequest struct {
	Value bool `json:"value"`
}

// AIAskRequest represents a natural language query request
type AIAskRequest struct {
	Question string `json:"question"` // Natural language question about trading activity
	Model    string `json:"model"`    // Optional AI model override
}

// AIAskResponse represents the response from an AI query
type AIAskResponse struct {
	SQL    string `json:"sql"`
	Answer string `json:"answer"`
	TookMs int64  `json:"took_ms"`
}

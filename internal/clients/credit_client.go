/**
 * Credit Client
 *
 * Balance and debit calls against the billing service's AI credit ledger.
 * Bookkeeping (transactions, monthly totals) stays in the billing service.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
)

const (
	// PageScanCost is the estimated credit cost of one AI page scan
	PageScanCost = 0.25

	minDebitTokens     = 500
	tokensPerSecond    = 200
	creditPerToken     = 0.0001
	creditClientSource = "drawingextract-worker"
)

// CreditClient handles communication with the billing service
type CreditClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logging.Logger
}

// BalanceResponse is the billing service's balance payload
type BalanceResponse struct {
	Balance      float64 `json:"balance"`
	MonthlySpent float64 `json:"monthlySpent"`
	TotalSpent   float64 `json:"totalSpent"`
}

// DebitRequest deducts credits for a completed AI operation
type DebitRequest struct {
	UserID      string  `json:"userId"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	Operation   string  `json:"operation"`
	TokensUsed  int     `json:"tokensUsed"`
}

// NewCreditClient creates a new credit client
func NewCreditClient(baseURL, serviceToken string) *CreditClient {
	return &CreditClient{
		baseURL: baseURL,
		token:   serviceToken,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logging.NewLogger("CreditClient"),
	}
}

// EstimateCost returns the pre-check cost of scanning pages with AI
func EstimateCost(pages int) float64 {
	if pages < 1 {
		pages = 1
	}
	return float64(pages) * PageScanCost
}

// UsageForDuration converts AI processing time into tokens and credits
func UsageForDuration(d time.Duration) (tokens int, amount float64) {
	tokens = int(d.Seconds() * tokensPerSecond)
	if tokens < minDebitTokens {
		tokens = minDebitTokens
	}
	amount = math.Round(float64(tokens)*creditPerToken*1e5) / 1e5
	return tokens, amount
}

// Balance returns the user's current AI credit balance
func (c *CreditClient) Balance(ctx context.Context, userID string) (float64, error) {
	endpoint := fmt.Sprintf("%s/api/ai-credits/balance?userId=%s", c.baseURL, url.QueryEscape(userID))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create balance request: %w", err)
	}
	c.setHeaders(req, userID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("balance request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("balance request returned status %d: %s", resp.StatusCode, string(body))
	}

	var balance BalanceResponse
	if err := json.Unmarshal(body, &balance); err != nil {
		return 0, fmt.Errorf("failed to parse balance response: %w", err)
	}

	return balance.Balance, nil
}

// Debit deducts credits after a paid AI operation
func (c *CreditClient) Debit(ctx context.Context, debit *DebitRequest) error {
	if debit.UserID == "" {
		return fmt.Errorf("user id is required for debit")
	}
	if debit.Amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %f", debit.Amount)
	}

	reqBody, err := json.Marshal(debit)
	if err != nil {
		return fmt.Errorf("failed to marshal debit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/ai-credits/debit", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create debit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req, debit.UserID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("debit request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("debit request returned status %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Info("Credits debited",
		"userId", debit.UserID,
		"amount", debit.Amount,
		"operation", debit.Operation,
		"tokensUsed", debit.TokensUsed)

	return nil
}

// DebitForRun charges the user for an AI run of the given duration
func (c *CreditClient) DebitForRun(ctx context.Context, userID, operation string, d time.Duration) error {
	tokens, amount := UsageForDuration(d)
	return c.Debit(ctx, &DebitRequest{
		UserID:      userID,
		Amount:      amount,
		Description: fmt.Sprintf("AI drawing extraction (%s)", operation),
		Operation:   operation,
		TokensUsed:  tokens,
	})
}

func (c *CreditClient) setHeaders(req *http.Request, userID string) {
	req.Header.Set("X-Source", creditClientSource)
	req.Header.Set("X-User-ID", userID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

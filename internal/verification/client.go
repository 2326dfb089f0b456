package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с внешним провайдером проверки счетов.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

type verifyRequest struct {
	Country       string `json:"country"`
	BankName      string `json:"bankName"`
	AccountNumber string `json:"accountNumber"`
	SortCode      string `json:"sortCode,omitempty"`
	RoutingNumber string `json:"routingNumber,omitempty"`
}

type verifyResponse struct {
	AccountHolderName string `json:"accountHolderName"`
}

// NewClient создаёт HTTP-клиент провайдера проверки по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// VerifyAccount запрашивает у провайдера имя владельца счёта по его реквизитам.
func (c *Client) VerifyAccount(ctx context.Context, details AccountDetails) (*Result, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("verification client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	payload, err := json.Marshal(verifyRequest{
		Country:       string(details.Country),
		BankName:      details.BankName,
		AccountNumber: details.AccountNumber,
		SortCode:      details.SortCode,
		RoutingNumber: details.RoutingNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := base + "/api/accounts/verify"

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrAccountNotFound
	case http.StatusUnprocessableEntity:
		return nil, ErrVerificationFailed
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if result.AccountHolderName == "" {
		return nil, ErrVerificationFailed
	}

	return &Result{AccountHolderName: result.AccountHolderName}, nil
}

// Package escrowd is a Go client for the escrowd REST API.
package escrowd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// PrincipalHeader carries the caller when the server trusts request headers.
const PrincipalHeader = "X-Principal"

// Client wraps the HTTP interactions with escrowd.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	principal   string
}

// Order mirrors the cross-chain order terms. Amounts are base-10 strings.
type Order struct {
	Maker              string `json:"maker"`
	MakingAmount       string `json:"making_amount"`
	TakingAmount       string `json:"taking_amount"`
	MakerAsset         string `json:"maker_asset,omitempty"`
	TakerAsset         string `json:"taker_asset,omitempty"`
	Salt               uint64 `json:"salt,omitempty"`
	Nonce              uint64 `json:"nonce,omitempty"`
	SrcChainID         uint64 `json:"src_chain_id,omitempty"`
	DstChainID         uint64 `json:"dst_chain_id,omitempty"`
	SrcSafetyDeposit   string `json:"src_safety_deposit,omitempty"`
	DstSafetyDeposit   string `json:"dst_safety_deposit,omitempty"`
	AllowPartialFills  bool   `json:"allow_partial_fills,omitempty"`
	AllowMultipleFills bool   `json:"allow_multiple_fills,omitempty"`
}

// TimeLocks are second offsets from the leg's deployment time.
type TimeLocks struct {
	SrcWithdrawal         uint64 `json:"src_withdrawal"`
	SrcPublicWithdrawal   uint64 `json:"src_public_withdrawal"`
	SrcCancellation       uint64 `json:"src_cancellation"`
	SrcPublicCancellation uint64 `json:"src_public_cancellation"`
	DstWithdrawal         uint64 `json:"dst_withdrawal"`
	DstPublicWithdrawal   uint64 `json:"dst_public_withdrawal"`
	DstCancellation       uint64 `json:"dst_cancellation"`
}

// Immutables are the fixed terms of one leg.
type Immutables struct {
	Order      Order     `json:"order"`
	TimeLocks  TimeLocks `json:"time_locks"`
	DeployedAt uint64    `json:"deployed_at"`
	Taker      string    `json:"taker"`
	Amount     string    `json:"amount"`
}

// SrcRequest creates a source leg.
type SrcRequest struct {
	Order      Order     `json:"order"`
	TimeLocks  TimeLocks `json:"time_locks"`
	Taker      string    `json:"taker"`
	Amount     string    `json:"amount"`
	SecretHash string    `json:"secret_hash"`
	Deposit    string    `json:"deposit,omitempty"`
}

// DstRequest creates a destination leg.
type DstRequest struct {
	Immutables Immutables `json:"immutables"`
	SecretHash string     `json:"secret_hash"`
	Deposit    string     `json:"deposit,omitempty"`
}

// Record is the factory registry entry of a leg.
type Record struct {
	ID         uint64     `json:"id"`
	Address    string     `json:"address"`
	Side       string     `json:"side"`
	Immutables Immutables `json:"immutables"`
	SecretHash string     `json:"secret_hash"`
	Funding    string     `json:"funding"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
}

// State is the live state of an instantiated leg.
type State struct {
	Immutables     Immutables `json:"immutables"`
	IsWithdrawn    bool       `json:"is_withdrawn"`
	IsCancelled    bool       `json:"is_cancelled"`
	SecretHash     string     `json:"secret_hash"`
	RevealedSecret string     `json:"revealed_secret,omitempty"`
}

// View is what the server knows about one escrow id.
type View struct {
	Record *Record `json:"record"`
	State  *State  `json:"state,omitempty"`
	Status string  `json:"status,omitempty"`
	Window string  `json:"window,omitempty"`
	Now    uint64  `json:"now"`
}

// FactoryInfo summarises the factory behind the server.
type FactoryInfo struct {
	Owner          string   `json:"owner"`
	FactoryAddress string   `json:"factory_address"`
	SrcChainID     uint64   `json:"src_chain_id"`
	DstChainID     uint64   `json:"dst_chain_id"`
	Counter        uint64   `json:"counter"`
	Pending        []string `json:"pending"`
}

// APIError represents a failed call.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("escrowd api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("escrowd api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient builds a client for the API at rawURL.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every call.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetPrincipal sets the principal header for servers in header mode.
func (c *Client) SetPrincipal(principal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = principal
}

// CreateSrc deploys a source leg and returns its escrow id.
func (c *Client) CreateSrc(ctx context.Context, req SrcRequest) (uint64, error) {
	return c.create(ctx, "/api/v1/escrows/src", req)
}

// CreateDst deploys a destination leg and returns its escrow id.
func (c *Client) CreateDst(ctx context.Context, req DstRequest) (uint64, error) {
	return c.create(ctx, "/api/v1/escrows/dst", req)
}

// Withdraw pays the leg out with secret.
func (c *Client) Withdraw(ctx context.Context, id uint64, secret string) (View, error) {
	var view View
	err := c.post(ctx, fmt.Sprintf("/api/v1/escrows/%d/withdraw", id), map[string]string{"secret": secret}, &view)
	return view, err
}

// Cancel refunds the leg to the maker.
func (c *Client) Cancel(ctx context.Context, id uint64) (View, error) {
	var view View
	err := c.post(ctx, fmt.Sprintf("/api/v1/escrows/%d/cancel", id), struct{}{}, &view)
	return view, err
}

// Escrow fetches the view of one escrow id.
func (c *Client) Escrow(ctx context.Context, id uint64) (View, error) {
	var view View
	err := c.get(ctx, fmt.Sprintf("/api/v1/escrows/%d", id), &view)
	return view, err
}

// Factory fetches the factory summary.
func (c *Client) Factory(ctx context.Context) (FactoryInfo, error) {
	var info FactoryInfo
	err := c.get(ctx, "/api/v1/factory", &info)
	return info, err
}

func (c *Client) create(ctx context.Context, endpoint string, payload any) (uint64, error) {
	var resp struct {
		EscrowID string `json:"escrow_id"`
	}
	if err := c.post(ctx, endpoint, payload, &resp); err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(resp.EscrowID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode escrow id %q: %w", resp.EscrowID, err)
	}
	return id, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	token, principal := c.accessToken, c.principal
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package exec

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET EXECUTION CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order placement, order status, cancel-all per token and collateral balance
// against the CLOB API. Requests carry L2 HMAC headers; order payloads are
// signed with the wallet key. DRY_RUN fills every order at its limit price.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	PolymarketCLOB = "https://clob.polymarket.com"
)

// ClientConfig holds credentials and transport settings.
type ClientConfig struct {
	BaseURL       string
	PrivateKey    string
	APIKey        string
	APISecret     string
	Passphrase    string
	DryRun        bool
	DryRunBalance decimal.Decimal
	Timeout       time.Duration
}

// OrderRequest is one limit order.
type OrderRequest struct {
	TokenID    string
	Side       string // BUY or SELL
	Price      decimal.Decimal
	Size       decimal.Decimal
	Aggressive bool // fill-and-kill instead of good-till-cancelled
}

// OrderResult is the exchange's answer to a placement.
type OrderResult struct {
	OrderID    string
	Status     string // live, matched, cancelled
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
}

// Filled reports whether anything executed.
func (r OrderResult) Filled() bool { return r.FilledSize.IsPositive() }

type Client struct {
	baseURL    string
	privateKey *ecdsa.PrivateKey
	address    string
	apiKey     string
	apiSecret  string
	passphrase string
	dryRun     bool
	dryBalance decimal.Decimal
	dryOrders  atomic.Uint64
	httpClient *http.Client
}

// NewClient creates a new execution client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = PolymarketCLOB
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DryRunBalance.IsZero() {
		cfg.DryRunBalance = decimal.NewFromInt(100)
	}

	client := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
		dryRun:     cfg.DryRun,
		dryBalance: cfg.DryRunBalance,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}

	if pkHex := strings.TrimPrefix(cfg.PrivateKey, "0x"); pkHex != "" {
		pk, err := crypto.HexToECDSA(pkHex)
		if err != nil {
			return nil, &types.ConfigError{Field: "WALLET_PRIVATE_KEY", Err: fmt.Errorf("invalid private key: %w", err)}
		}
		client.privateKey = pk
		client.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	} else if !cfg.DryRun {
		return nil, &types.ConfigError{Field: "WALLET_PRIVATE_KEY", Err: errors.New("required for live trading")}
	}

	mode := "DRY RUN"
	if !cfg.DryRun {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Str("address", client.address).
		Msg("🚀 Execution client initialized")

	return client, nil
}

// PlaceOrder places a limit order on Polymarket
func (c *Client) PlaceOrder(ctx context.Context, o OrderRequest) (OrderResult, error) {
	if c.dryRun {
		id := fmt.Sprintf("DRY_%d", c.dryOrders.Add(1))
		log.Info().
			Str("order_id", id).
			Str("token", shortToken(o.TokenID)).
			Str("side", o.Side).
			Str("price", o.Price.StringFixed(4)).
			Str("size", o.Size.StringFixed(2)).
			Bool("aggressive", o.Aggressive).
			Msg("📝 DRY RUN: Order filled")
		return OrderResult{OrderID: id, Status: "matched", FilledSize: o.Size, AvgPrice: o.Price}, nil
	}

	orderType := "GTC"
	if o.Aggressive {
		orderType = "FAK"
	}
	order := map[string]interface{}{
		"tokenID":       o.TokenID,
		"price":         o.Price.String(),
		"size":          o.Size.String(),
		"side":          o.Side,
		"expiration":    "0",
		"nonce":         strconv.FormatInt(time.Now().UnixNano(), 10),
		"feeRateBps":    "0",
		"signatureType": 0,
		"maker":         c.address,
	}
	signature, err := c.signOrder(order)
	if err != nil {
		return OrderResult{}, fmt.Errorf("signing failed: %w", err)
	}
	order["signature"] = signature

	payload := map[string]interface{}{
		"order":     order,
		"owner":     c.apiKey,
		"orderType": orderType,
	}
	resp, err := c.do(ctx, http.MethodPost, "/order", payload)
	if err != nil {
		return OrderResult{}, err
	}

	var result struct {
		Success      bool   `json:"success"`
		OrderID      string `json:"orderID"`
		Status       string `json:"status"`
		ErrorMsg     string `json:"errorMsg"`
		MakingAmount string `json:"makingAmount"`
		TakingAmount string `json:"takingAmount"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return OrderResult{}, types.NewFatalNetworkError("order", fmt.Errorf("parse response: %w", err))
	}
	if result.ErrorMsg != "" {
		return OrderResult{}, classifyAPIError(http.StatusBadRequest, result.ErrorMsg)
	}

	res := OrderResult{OrderID: result.OrderID, Status: result.Status, AvgPrice: o.Price}
	if result.Status == "matched" {
		res.FilledSize = filledShares(o.Side, result.MakingAmount, result.TakingAmount, o.Size)
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("status", result.Status).
		Str("side", o.Side).
		Str("price", o.Price.StringFixed(4)).
		Str("filled", res.FilledSize.StringFixed(2)).
		Msg("✅ Order placed")

	return res, nil
}

// GetOrder returns the current state of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	if c.dryRun {
		return Order{ID: orderID, Status: "matched"}, nil
	}
	resp, err := c.do(ctx, http.MethodGet, "/data/order/"+orderID, nil)
	if err != nil {
		return Order{}, err
	}
	var o Order
	if err := json.Unmarshal(resp, &o); err != nil {
		return Order{}, types.NewFatalNetworkError("order", fmt.Errorf("parse order: %w", err))
	}
	return o, nil
}

// CancelAll cancels every open order on one token.
func (c *Client) CancelAll(ctx context.Context, tokenID string) error {
	if c.dryRun {
		log.Info().Str("token", shortToken(tokenID)).Msg("📝 DRY RUN: Orders would be cancelled")
		return nil
	}
	_, err := c.do(ctx, http.MethodDelete, "/cancel-market-orders", map[string]string{"asset_id": tokenID})
	if err == nil {
		log.Info().Str("token", shortToken(tokenID)).Msg("🧹 Cancelled open orders")
	}
	return err
}

// GetBalance returns the free USDC collateral.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if c.dryRun {
		return c.dryBalance, nil
	}

	resp, err := c.do(ctx, http.MethodGet, "/balance-allowance?asset_type=COLLATERAL&signature_type=0", nil)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, types.NewFatalNetworkError("balance", err)
	}

	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, types.NewFatalNetworkError("balance", fmt.Errorf("invalid balance %q", result.Balance))
	}
	// 6 decimals on chain
	return balance.Shift(-6), nil
}

// Order represents an order from the API
type Order struct {
	ID        string          `json:"id"`
	TokenID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"original_size"`
	Filled    decimal.Decimal `json:"size_matched"`
	Side      string          `json:"side"`
	Status    string          `json:"status"`
	CreatedAt int64           `json:"created_at"`
}

// Open reports whether the order can still fill.
func (o Order) Open() bool {
	return strings.EqualFold(o.Status, "live") || strings.EqualFold(o.Status, "open")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	signPath := path
	if i := strings.IndexByte(signPath, '?'); i >= 0 {
		signPath = signPath[:i]
	}
	c.addHeaders(req, signPath, raw)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.NewNetworkError("http", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewNetworkError("http", err)
	}

	if resp.StatusCode >= 400 {
		return nil, classifyAPIError(resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// classifyAPIError maps an exchange rejection onto the error taxonomy.
func classifyAPIError(status int, msg string) error {
	err := fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(msg))
	if types.IsInsufficientBalance(err) {
		return fmt.Errorf("%w: %w", types.ErrInsufficientBalance, err)
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return types.NewNetworkError("http", err)
	}
	return types.NewFatalNetworkError("http", err)
}

func (c *Client) addHeaders(req *http.Request, path string, body []byte) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)
	if c.address != "" {
		req.Header.Set("POLY_ADDRESS", c.address)
	}
	if c.apiSecret != "" {
		req.Header.Set("POLY_SIGNATURE", c.hmacSign(timestamp+req.Method+path+string(body)))
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNING
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) signOrder(order map[string]interface{}) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	orderBytes, err := json.Marshal(order)
	if err != nil {
		return "", err
	}
	hash := crypto.Keccak256(orderBytes)

	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", err
	}

	return hexutil.Encode(sig), nil
}

// hmacSign signs with the url-safe base64 secret, as the CLOB expects.
func (c *Client) hmacSign(message string) string {
	secret, err := base64.URLEncoding.DecodeString(c.apiSecret)
	if err != nil {
		if secret, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(c.apiSecret, "=")); err != nil {
			secret = []byte(c.apiSecret)
		}
	}
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// IsDryRun returns true if in dry run mode
func (c *Client) IsDryRun() bool {
	return c.dryRun
}

// Address returns the signer address, empty without a key.
func (c *Client) Address() string { return c.address }

// filledShares reads the matched share count: a buy takes shares, a sell
// makes them. Falls back to the requested size when the amounts are absent.
func filledShares(side, making, taking string, requested decimal.Decimal) decimal.Decimal {
	amount := taking
	if side == "SELL" {
		amount = making
	}
	if v, err := decimal.NewFromString(amount); err == nil && v.IsPositive() {
		return v
	}
	return requested
}

func shortToken(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}

package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"limit-trading/internal/config"
	"limit-trading/internal/core"
)

type Client struct {
	apiKey    string
	apiSecret []byte
	baseURL   string
	wsBaseURL string

	// validateOnly sends validate=true on AddOrder so the exchange checks
	// the order without booking it (dry-run mode).
	validateOnly bool

	httpClient *http.Client

	mu        sync.Mutex
	lastNonce int64
	pairCache map[string]assetPairInfo
}

func NewClient(cfg config.ExchangeConfig) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	secret, err := base64.StdEncoding.DecodeString(cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("api_secret must be base64: %w", err)
	}
	timeout := 15 * time.Second
	if cfg.HTTPTimeoutSec > 0 {
		timeout = time.Duration(cfg.HTTPTimeoutSec) * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		apiSecret:  secret,
		baseURL:    strings.TrimRight(cfg.RestBaseURL, "/"),
		wsBaseURL:  strings.TrimRight(cfg.WSBaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		pairCache:  make(map[string]assetPairInfo),
	}, nil
}

func (c *Client) Name() string { return "kraken" }

func (c *Client) SetValidateOnly(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validateOnly = v
}

func (c *Client) isValidateOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validateOnly
}

// ServerTime checks public API reachability.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.doPublic(ctx, "/0/public/Time", url.Values{})
	if err != nil {
		return time.Time{}, err
	}
	var result serverTimeResult
	if err := json.Unmarshal(body, &result); err != nil {
		return time.Time{}, err
	}
	return time.Unix(result.UnixTime, 0).UTC(), nil
}

func (c *Client) GetRules(ctx context.Context, pair string) (core.Rules, error) {
	info, err := c.getPairInfo(ctx, pair)
	if err != nil {
		return core.Rules{}, err
	}
	rules := core.Rules{}
	if info.OrderMin != "" {
		if v, err := decimal.NewFromString(info.OrderMin); err == nil {
			rules.MinQty = v
		}
	}
	if info.CostMin != "" {
		if v, err := decimal.NewFromString(info.CostMin); err == nil {
			rules.MinNotional = v
		}
	}
	if info.TickSize != "" {
		if v, err := decimal.NewFromString(info.TickSize); err == nil {
			rules.PriceTick = v
		}
	}
	if info.LotDecimals > 0 {
		rules.QtyStep = decimal.New(1, -int32(info.LotDecimals))
	}
	return rules, nil
}

func (c *Client) getPairInfo(ctx context.Context, pair string) (assetPairInfo, error) {
	if pair == "" {
		return assetPairInfo{}, errors.New("pair is required")
	}
	c.mu.Lock()
	if info, ok := c.pairCache[pair]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("pair", pair)
	body, err := c.doPublic(ctx, "/0/public/AssetPairs", params)
	if err != nil {
		return assetPairInfo{}, err
	}
	var result map[string]assetPairInfo
	if err := json.Unmarshal(body, &result); err != nil {
		return assetPairInfo{}, err
	}
	if len(result) == 0 {
		return assetPairInfo{}, fmt.Errorf("pair %s not found", pair)
	}
	var info assetPairInfo
	for _, v := range result {
		info = v
		break
	}
	c.mu.Lock()
	c.pairCache[pair] = info
	c.mu.Unlock()
	return info, nil
}

func (c *Client) Balances(ctx context.Context) (core.BalanceSnapshot, error) {
	body, err := c.doPrivate(ctx, "/0/private/Balance", url.Values{})
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	snapshot := make(core.BalanceSnapshot, len(raw))
	for asset, amount := range raw {
		v, err := decimal.NewFromString(amount)
		if err != nil {
			continue
		}
		snapshot[asset] = v
	}
	return snapshot, nil
}

func (c *Client) PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error) {
	params := url.Values{}
	params.Set("pair", intent.Symbol)
	params.Set("type", strings.ToLower(string(intent.Side)))
	params.Set("ordertype", "limit")
	params.Set("price", intent.TargetPrice.String())
	params.Set("volume", intent.Qty.String())
	validate := c.isValidateOnly()
	if validate {
		params.Set("validate", "true")
	}
	body, err := c.doPrivate(ctx, "/0/private/AddOrder", params)
	if err != nil {
		return "", err
	}
	var result addOrderResult
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	if validate {
		// No txid is issued for validate-only orders.
		return "", nil
	}
	if len(result.Txid) == 0 {
		return "", errors.New("add order returned no txid")
	}
	return result.Txid[0], nil
}

func (c *Client) OrderStatus(ctx context.Context, orderID string) (core.OrderStatus, error) {
	if orderID == "" {
		return core.StatusUnknown, errors.New("order id required")
	}
	params := url.Values{}
	params.Set("txid", orderID)
	body, err := c.doPrivate(ctx, "/0/private/QueryOrders", params)
	if err != nil {
		return core.StatusUnknown, err
	}
	var result map[string]orderInfo
	if err := json.Unmarshal(body, &result); err != nil {
		return core.StatusUnknown, err
	}
	info, ok := result[orderID]
	if !ok {
		return core.StatusUnknown, fmt.Errorf("txid %s: %w", orderID, core.ErrOrderNotFound)
	}
	return mapOrderStatus(info.Status), nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return errors.New("order id required")
	}
	params := url.Values{}
	params.Set("txid", orderID)
	body, err := c.doPrivate(ctx, "/0/private/CancelOrder", params)
	if err != nil {
		return err
	}
	var result cancelOrderResult
	if err := json.Unmarshal(body, &result); err != nil {
		return err
	}
	if result.Count == 0 {
		return fmt.Errorf("cancel %s: %w", orderID, core.ErrOrderNotFound)
	}
	return nil
}

// Closes returns the closing prices of the most recent OHLC candles for a
// pair, oldest first.
func (c *Client) Closes(ctx context.Context, pair string, intervalMin int) ([]decimal.Decimal, error) {
	params := url.Values{}
	params.Set("pair", pair)
	params.Set("interval", strconv.Itoa(intervalMin))
	body, err := c.doPublic(ctx, "/0/public/OHLC", params)
	if err != nil {
		return nil, err
	}
	var result ohlcResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	for key, raw := range result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
		break
	}
	closes := make([]decimal.Decimal, 0, len(rows))
	for _, row := range rows {
		var fields []any
		if err := json.Unmarshal(row, &fields); err != nil {
			return nil, err
		}
		if len(fields) < 5 {
			continue
		}
		closeStr, ok := fields[4].(string)
		if !ok {
			continue
		}
		v, err := decimal.NewFromString(closeStr)
		if err != nil {
			continue
		}
		closes = append(closes, v)
	}
	if len(closes) == 0 {
		return nil, fmt.Errorf("no ohlc data for %s", pair)
	}
	return closes, nil
}

func mapOrderStatus(status string) core.OrderStatus {
	switch strings.ToLower(status) {
	case "pending", "open":
		return core.StatusOpen
	case "closed":
		return core.StatusFilled
	case "canceled":
		return core.StatusCanceled
	case "expired":
		return core.StatusExpired
	default:
		return core.StatusUnknown
	}
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	urlStr := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		urlStr += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	return c.send(req)
}

func (c *Client) doPrivate(ctx context.Context, path string, params url.Values) ([]byte, error) {
	nonce := c.nextNonce()
	params.Set("nonce", strconv.FormatInt(nonce, 10))
	postdata := params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(postdata))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.apiKey)
	req.Header.Set("API-Sign", sign(path, strconv.FormatInt(nonce, 10), postdata, c.apiSecret))
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrExchangeUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrExchangeUnavailable, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: http 429", core.ErrRateLimited)
	}
	if resp.StatusCode/100 == 5 {
		return nil, fmt.Errorf("%w: http %d", core.ErrExchangeUnavailable, resp.StatusCode)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("kraken http error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if len(envelope.Error) > 0 {
		return nil, classifyAPIError(APIError{Errors: envelope.Error})
	}
	return envelope.Result, nil
}

// Nonces must strictly increase per API key.
func (c *Client) nextNonce() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce := time.Now().UnixMilli()
	if nonce <= c.lastNonce {
		nonce = c.lastNonce + 1
	}
	c.lastNonce = nonce
	return nonce
}

// API-Sign = base64(HMAC-SHA512(path + SHA256(nonce + postdata), secret)).
func sign(path, nonce, postdata string, secret []byte) string {
	sha := sha256.Sum256([]byte(nonce + postdata))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

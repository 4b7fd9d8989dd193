package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Retry configuration for API calls
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"

	defaultRecvWindow  = 10000 // ms of clock skew tolerance
	defaultHTTPTimeout = 15 * time.Second
	usedWeightHeader   = "X-MBX-USED-WEIGHT-1M"
)

// ClientConfig configures a FuturesClient
type ClientConfig struct {
	APIKey     string
	SecretKey  string
	Testnet    bool
	BaseURL    string // overrides Testnet when set
	RecvWindow int64
	Timeout    time.Duration
}

// FuturesClient is the signed REST client for USDT-M futures
type FuturesClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow int64
	httpClient *http.Client
	limiter    *RateLimiter
	logger     zerolog.Logger
	now        func() time.Time
}

var _ Exchange = (*FuturesClient)(nil)

// NewFuturesClient creates a new FuturesClient instance
func NewFuturesClient(cfg ClientConfig, limiter *RateLimiter, logger zerolog.Logger) *FuturesClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = FuturesBaseURL
		if cfg.Testnet {
			baseURL = FuturesTestnetURL
		}
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if limiter == nil {
		limiter = NewRateLimiter(0, 0, logger)
	}

	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClient{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secretKey:  strings.TrimSpace(cfg.SecretKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		recvWindow: cfg.RecvWindow,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger.With().Str("component", "binance").Logger(),
		now:        time.Now,
	}
}

// RateLimiter exposes the limiter shared by this client
func (c *FuturesClient) RateLimiter() *RateLimiter {
	return c.limiter
}

// ==================== ACCOUNT ====================

// GetPositions retrieves position risk rows for a symbol
func (c *FuturesClient) GetPositions(ctx context.Context, symbol string) ([]FuturesPosition, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	var positions []FuturesPosition
	if err := c.signedJSON(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, PriorityHigh, &positions); err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}
	return positions, nil
}

// ==================== LEVERAGE & MARGIN ====================

// SetLeverage sets the leverage for a symbol
func (c *FuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	var resp LeverageResponse
	if err := c.signedJSON(ctx, http.MethodPost, "/fapi/v1/leverage", params, PriorityNormal, &resp); err != nil {
		return nil, fmt.Errorf("error setting leverage: %w", err)
	}
	return &resp, nil
}

// codeNoNeedToChangeMargin is returned when the margin type is already set
const codeNoNeedToChangeMargin = -4046

// SetMarginType sets the margin type (ISOLATED or CROSSED)
func (c *FuturesClient) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", string(marginType))

	if _, err := c.do(ctx, http.MethodPost, "/fapi/v1/marginType", params, true, PriorityNormal); err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.Code == codeNoNeedToChangeMargin {
			return nil
		}
		return fmt.Errorf("error setting margin type: %w", err)
	}
	return nil
}

// GetPositionMode retrieves the current position mode
func (c *FuturesClient) GetPositionMode(ctx context.Context) (*PositionModeResponse, error) {
	var resp PositionModeResponse
	if err := c.signedJSON(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", url.Values{}, PriorityNormal, &resp); err != nil {
		return nil, fmt.Errorf("error getting position mode: %w", err)
	}
	return &resp, nil
}

// ==================== TRADING ====================

// PlaceOrder places a new futures order
func (c *FuturesClient) PlaceOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error) {
	req := url.Values{}
	req.Set("symbol", params.Symbol)
	req.Set("side", params.Side)
	req.Set("type", string(params.Type))
	req.Set("newOrderRespType", "RESULT")

	if params.QuantityText != "" {
		req.Set("quantity", params.QuantityText)
	} else if params.Quantity > 0 {
		req.Set("quantity", formatFloat(params.Quantity))
	}
	if params.PositionSide != "" {
		req.Set("positionSide", string(params.PositionSide))
	}
	if params.PriceText != "" {
		req.Set("price", params.PriceText)
	} else if params.Price > 0 {
		req.Set("price", formatFloat(params.Price))
	}
	if params.StopPrice > 0 {
		req.Set("stopPrice", formatFloat(params.StopPrice))
	}
	if params.TimeInForce != "" {
		req.Set("timeInForce", string(params.TimeInForce))
	} else if params.Type == FuturesOrderTypeLimit {
		req.Set("timeInForce", string(TimeInForceGTC))
	}
	// reduceOnly is rejected in hedge mode; the caller decides
	if params.ReduceOnly {
		req.Set("reduceOnly", "true")
	}
	if params.ClosePosition {
		req.Set("closePosition", "true")
	}
	if params.WorkingType != "" {
		req.Set("workingType", string(params.WorkingType))
	}
	if params.PriceProtect {
		req.Set("priceProtect", "true")
	}
	if params.NewClientOrderId != "" {
		req.Set("newClientOrderId", params.NewClientOrderId)
	}

	var resp FuturesOrderResponse
	if err := c.signedJSON(ctx, http.MethodPost, "/fapi/v1/order", req, PriorityCritical, &resp); err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}
	return &resp, nil
}

// CancelOrder cancels an existing futures order
func (c *FuturesClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	if _, err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true, PriorityCritical); err != nil {
		return fmt.Errorf("error canceling order %d: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels all open orders for a symbol
func (c *FuturesClient) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)

	if _, err := c.do(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true, PriorityCritical); err != nil {
		return fmt.Errorf("error canceling all orders: %w", err)
	}
	return nil
}

// GetOpenOrders retrieves all open orders for a symbol
func (c *FuturesClient) GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	var orders []FuturesOrder
	if err := c.signedJSON(ctx, http.MethodGet, "/fapi/v1/openOrders", params, PriorityHigh, &orders); err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}
	return orders, nil
}

// ==================== ALGO ORDERS ====================

// PlaceAlgoOrder places a new conditional algo order. Conditional order types
// were moved to the algo service by Binance on 2025-12-09.
func (c *FuturesClient) PlaceAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderResponse, error) {
	req := url.Values{}
	req.Set("algoType", string(AlgoTypeConditional))
	req.Set("symbol", params.Symbol)
	req.Set("side", params.Side)
	req.Set("type", string(params.Type))

	if params.TriggerText != "" {
		req.Set("triggerPrice", params.TriggerText)
	} else if params.TriggerPrice > 0 {
		req.Set("triggerPrice", formatFloat(params.TriggerPrice))
	}
	if params.PositionSide != "" {
		req.Set("positionSide", string(params.PositionSide))
	}
	// quantity and reduceOnly are not allowed together with closePosition
	if params.ClosePosition {
		req.Set("closePosition", "true")
	} else {
		if params.Quantity > 0 {
			req.Set("quantity", formatFloat(params.Quantity))
		}
		if params.ReduceOnly {
			req.Set("reduceOnly", "true")
		}
	}
	if params.WorkingType != "" {
		req.Set("workingType", string(params.WorkingType))
	}
	if params.PriceProtect {
		req.Set("priceProtect", "true")
	}
	if params.ClientAlgoId != "" {
		req.Set("clientAlgoId", params.ClientAlgoId)
	}

	var resp AlgoOrderResponse
	if err := c.signedJSON(ctx, http.MethodPost, "/fapi/v1/algoOrder", req, PriorityCritical, &resp); err != nil {
		return nil, fmt.Errorf("error placing algo order: %w", err)
	}
	return &resp, nil
}

// GetOpenAlgoOrders retrieves all open algo orders
func (c *FuturesClient) GetOpenAlgoOrders(ctx context.Context, symbol string) ([]AlgoOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	var orders []AlgoOrder
	if err := c.signedJSON(ctx, http.MethodGet, "/fapi/v1/openAlgoOrders", params, PriorityHigh, &orders); err != nil {
		return nil, fmt.Errorf("error fetching open algo orders: %w", err)
	}
	return orders, nil
}

// CancelAlgoOrder cancels an algo order
func (c *FuturesClient) CancelAlgoOrder(ctx context.Context, symbol string, algoID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("algoId", strconv.FormatInt(algoID, 10))

	if _, err := c.do(ctx, http.MethodDelete, "/fapi/v1/algoOrder", params, true, PriorityCritical); err != nil {
		return fmt.Errorf("error canceling algo order %d: %w", algoID, err)
	}
	return nil
}

// CancelAllAlgoOrders cancels all open algo orders for a symbol
func (c *FuturesClient) CancelAllAlgoOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)

	if _, err := c.do(ctx, http.MethodDelete, "/fapi/v1/algoOpenOrders", params, true, PriorityCritical); err != nil {
		return fmt.Errorf("error canceling all algo orders: %w", err)
	}
	return nil
}

// ==================== MARKET DATA ====================

// GetExchangeInfo retrieves futures exchange information
func (c *FuturesClient) GetExchangeInfo(ctx context.Context) (*FuturesExchangeInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, PriorityNormal)
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}
	var info FuturesExchangeInfo
	if err := decode(body, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}
	return &info, nil
}

// GetBookTicker retrieves the best bid/ask over REST
func (c *FuturesClient) GetBookTicker(ctx context.Context, symbol string) (*BookTicker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", params, false, PriorityHigh)
	if err != nil {
		return nil, fmt.Errorf("error fetching book ticker: %w", err)
	}
	var raw struct {
		Symbol   string  `json:"symbol"`
		BidPrice float64 `json:"bidPrice,string"`
		BidQty   float64 `json:"bidQty,string"`
		AskPrice float64 `json:"askPrice,string"`
		AskQty   float64 `json:"askQty,string"`
		Time     int64   `json:"time"`
	}
	if err := decode(body, &raw); err != nil {
		return nil, fmt.Errorf("error parsing book ticker: %w", err)
	}
	return &BookTicker{
		Symbol:   raw.Symbol,
		BidPrice: raw.BidPrice,
		BidQty:   raw.BidQty,
		AskPrice: raw.AskPrice,
		AskQty:   raw.AskQty,
		Time:     raw.Time,
	}, nil
}

// GetMarkPrice retrieves the mark price for a symbol
func (c *FuturesClient) GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false, PriorityHigh)
	if err != nil {
		return nil, fmt.Errorf("error fetching mark price: %w", err)
	}
	var mp MarkPrice
	if err := decode(body, &mp); err != nil {
		return nil, fmt.Errorf("error parsing mark price: %w", err)
	}
	return &mp, nil
}

// ==================== USER DATA STREAM ====================

// CreateListenKey creates a new user data stream listen key
func (c *FuturesClient) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false, PriorityCritical)
	if err != nil {
		return "", fmt.Errorf("error getting listen key: %w", err)
	}
	var resp ListenKeyResponse
	if err := decode(body, &resp); err != nil {
		return "", fmt.Errorf("error parsing listen key: %w", err)
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the validity of a listen key
func (c *FuturesClient) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	if _, err := c.do(ctx, http.MethodPut, "/fapi/v1/listenKey", params, false, PriorityCritical); err != nil {
		return fmt.Errorf("error keeping listen key alive: %w", err)
	}
	return nil
}

// CloseListenKey closes a user data stream
func (c *FuturesClient) CloseListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	if _, err := c.do(ctx, http.MethodDelete, "/fapi/v1/listenKey", params, false, PriorityNormal); err != nil {
		return fmt.Errorf("error closing listen key: %w", err)
	}
	return nil
}

// ==================== HTTP HELPERS ====================

// sign creates a signature for the given query string
func (c *FuturesClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signParams stamps timestamp/recvWindow and returns the query with signature appended
func (c *FuturesClient) signParams(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
	query := params.Encode()
	return query + "&signature=" + c.sign(query)
}

func (c *FuturesClient) signedJSON(ctx context.Context, method, endpoint string, params url.Values, priority RequestPriority, out any) error {
	body, err := c.do(ctx, method, endpoint, params, true, priority)
	if err != nil {
		return err
	}
	return decode(body, out)
}

// do performs a request with rate limiting and retry. Transient failures are
// retried with jittered exponential backoff; everything else returns at once.
func (c *FuturesClient) do(ctx context.Context, method, endpoint string, params url.Values, signed bool, priority RequestPriority) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx, endpoint, priority); err != nil {
			return nil, err
		}

		// Refresh timestamp for each attempt
		query := params.Encode()
		if signed {
			query = c.signParams(params)
		}
		reqURL := c.baseURL + endpoint
		if query != "" {
			reqURL += "?" + query
		}

		body, err := c.roundTrip(ctx, method, reqURL)
		if err == nil {
			c.limiter.RecordSuccess()
			return body, nil
		}
		lastErr = err

		if IsRateLimited(err) {
			if apiErr, ok := asAPIError(err); ok {
				c.limiter.RecordBan(ParseBanUntilFromError(apiErr.Msg, c.now()))
			}
			return nil, err
		}
		if !isRetryableError(err) || attempt == maxRetries {
			return nil, err
		}

		delay := calculateRetryDelay(attempt)
		c.logger.Warn().
			Err(err).
			Str("method", method).
			Str("endpoint", endpoint).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("Request failed, retrying")
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

func (c *FuturesClient) roundTrip(ctx context.Context, method, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if usedWeight := resp.Header.Get(usedWeightHeader); usedWeight != "" {
		if weight, err := strconv.Atoi(usedWeight); err == nil {
			c.limiter.UpdateFromHeaders(weight)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

// calculateRetryDelay returns delay with exponential backoff and jitter
func calculateRetryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt)) // 2^attempt
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add jitter (±25%)
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - (delay / 4)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v (body: %.200s)", ErrMalformedResponse, err, body)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

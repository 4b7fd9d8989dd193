package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *FuturesClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewFuturesClient(ClientConfig{
		APIKey:    "test-key",
		SecretKey: "test-secret",
		BaseURL:   srv.URL,
	}, NewRateLimiter(0, 1000, zerolog.Nop()), zerolog.Nop())
}

// ============================================================================
// Signing
// ============================================================================

func TestSign_KnownVector(t *testing.T) {
	c := NewFuturesClient(ClientConfig{
		SecretKey: "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j",
	}, nil, zerolog.Nop())

	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"
	if got := c.sign(query); got != want {
		t.Errorf("sign() = %s, want %s", got, want)
	}
}

func TestPlaceOrder_SignedRequest(t *testing.T) {
	var gotQuery, gotKey, gotMethod string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-MBX-APIKEY")
		w.Header().Set(usedWeightHeader, "42")
		_, _ = w.Write([]byte(`{"orderId":77,"symbol":"ETHUSDT","status":"NEW","clientOrderId":"gb-x","price":"1999.50","origQty":"0.010","executedQty":"0","type":"LIMIT","side":"BUY","positionSide":"LONG"}`))
	})
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }

	resp, err := c.PlaceOrder(context.Background(), FuturesOrderParams{
		Symbol:           "ETHUSDT",
		Side:             "BUY",
		PositionSide:     PositionSideLong,
		Type:             FuturesOrderTypeLimit,
		TimeInForce:      TimeInForceGTX,
		QuantityText:     "0.010",
		PriceText:        "1999.50",
		NewClientOrderId: "gb-x",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), resp.OrderId)
	assert.Equal(t, 1999.5, resp.Price)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "test-key", gotKey)
	assert.Contains(t, gotQuery, "quantity=0.010")
	assert.Contains(t, gotQuery, "price=1999.50")
	assert.Contains(t, gotQuery, "timeInForce=GTX")
	assert.Contains(t, gotQuery, "timestamp=1700000000000")
	assert.NotContains(t, gotQuery, "reduceOnly")

	// signature is computed over everything before it
	idx := strings.Index(gotQuery, "&signature=")
	require.Positive(t, idx)
	assert.Equal(t, c.sign(gotQuery[:idx]), gotQuery[idx+len("&signature="):])

	current, _ := c.RateLimiter().Usage()
	assert.Equal(t, 42, current)
}

// ============================================================================
// Retry behaviour
// ============================================================================

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("bad gateway"))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})

	orders, err := c.GetOpenOrders(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_DoesNotRetryBusinessRejects(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-5022,"msg":"Due to the order could not be executed as maker, the Post Only order will be rejected."}`))
	})

	_, err := c.PlaceOrder(context.Background(), FuturesOrderParams{
		Symbol: "ETHUSDT", Side: "BUY", Type: FuturesOrderTypeLimit, Quantity: 0.01, Price: 2000,
	})
	require.Error(t, err)
	assert.Equal(t, KindPostOnlyReject, Classify(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_RateLimitRecordsBan(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"Way too many requests; IP banned until 1700000060000."}`))
	})
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	c.limiter.now = c.now

	_, err := c.GetOpenOrders(context.Background(), "ETHUSDT")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, time.Minute, c.limiter.BanRemaining())

	// the next call never reaches the server
	_, err = c.GetOpenOrders(context.Background(), "ETHUSDT")
	assert.ErrorIs(t, err, ErrBanned)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSetMarginType_IgnoresNoChange(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-4046,"msg":"No need to change margin type."}`))
	})
	assert.NoError(t, c.SetMarginType(context.Background(), "ETHUSDT", MarginTypeCrossed))
}

func TestPlaceAlgoOrder_ClosePositionOmitsQuantity(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"algoId":5,"clientAlgoId":"gb-stop","algoType":"CONDITIONAL","orderType":"STOP_MARKET","symbol":"ETHUSDT","side":"SELL","positionSide":"LONG","algoStatus":"NEW","triggerPrice":"1900.00"}`))
	})

	resp, err := c.PlaceAlgoOrder(context.Background(), AlgoOrderParams{
		Symbol:        "ETHUSDT",
		Side:          "SELL",
		PositionSide:  PositionSideLong,
		Type:          FuturesOrderTypeStopMarket,
		Quantity:      0.5,
		TriggerText:   "1900.00",
		WorkingType:   WorkingTypeMarkPrice,
		ClosePosition: true,
		ReduceOnly:    true,
		ClientAlgoId:  "gb-stop",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.AlgoId)
	assert.Contains(t, gotQuery, "closePosition=true")
	assert.Contains(t, gotQuery, "triggerPrice=1900.00")
	assert.Contains(t, gotQuery, "algoType=CONDITIONAL")
	assert.NotContains(t, gotQuery, "quantity=")
	assert.NotContains(t, gotQuery, "reduceOnly=")
}

func TestDecode_MalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"`))
	})
	_, err := c.GetOpenOrders(context.Background(), "ETHUSDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.Equal(t, KindFatal, Classify(err))
}

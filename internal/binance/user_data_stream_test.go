package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderTradeUpdateFrame = `{
  "e":"ORDER_TRADE_UPDATE","E":1568879465651,"T":1568879465650,
  "o":{"s":"ETHUSDT","c":"gb-L-A-1-7f3a","S":"BUY","o":"LIMIT","f":"GTX",
       "q":"0.010","p":"1999.50","ap":"1999.50","sp":"0","x":"TRADE","X":"FILLED",
       "i":8886774,"l":"0.010","z":"0.010","L":"1999.50","N":"USDT","n":"0.00799800",
       "T":1568879465650,"t":4242,"m":true,"R":false,"wt":"CONTRACT_PRICE","ot":"LIMIT",
       "ps":"LONG","cp":false,"AP":"0","cr":"0","rp":"0"}
}`

// ============================================================================
// Message parsing
// ============================================================================

func TestParseUserDataMessage_OrderTradeUpdate(t *testing.T) {
	ev, eventType, err := parseUserDataMessage([]byte(orderTradeUpdateFrame))
	require.NoError(t, err)
	assert.Equal(t, "ORDER_TRADE_UPDATE", eventType)
	require.Equal(t, UserDataOrderUpdate, ev.Type)

	o := ev.Order.Order
	assert.Equal(t, "gb-L-A-1-7f3a", o.ClientOrderId)
	assert.Equal(t, "TRADE", o.ExecutionType)
	assert.Equal(t, "FILLED", o.OrderStatus)
	assert.Equal(t, int64(4242), o.TradeId)
	assert.Equal(t, 0.01, o.LastFilledQty)
	assert.Equal(t, "LONG", o.PositionSide)
	assert.True(t, o.IsMakerSide)

	// "AP" (activation price) must not overwrite "ap" (average price)
	assert.Equal(t, 1999.5, o.AveragePrice)
	assert.Equal(t, 0.0, o.ActivationPrice)
}

func TestParseUserDataMessage_AccountUpdate(t *testing.T) {
	frame := `{"e":"ACCOUNT_UPDATE","E":1564745798939,"T":1564745798938,
	  "a":{"m":"ORDER",
	       "B":[{"a":"USDT","wb":"122624.12345678","cw":"100.12345678","bc":"50.12345678"}],
	       "P":[{"s":"ETHUSDT","pa":"-0.500","ep":"2010.00","cr":"200","up":"0.5","mt":"cross","iw":"0","ps":"SHORT"}]}}`

	ev, eventType, err := parseUserDataMessage([]byte(frame))
	require.NoError(t, err)
	assert.Equal(t, "ACCOUNT_UPDATE", eventType)
	require.Equal(t, UserDataAccountUpdate, ev.Type)
	require.Len(t, ev.Account.AccountUpdate.Positions, 1)

	p := ev.Account.AccountUpdate.Positions[0]
	assert.Equal(t, -0.5, p.PositionAmount)
	assert.Equal(t, 2010.0, p.EntryPrice)
	assert.Equal(t, "SHORT", p.PositionSide)
}

func TestParseUserDataMessage_OtherEvents(t *testing.T) {
	ev, eventType, err := parseUserDataMessage([]byte(`{"e":"listenKeyExpired","E":1576653824250}`))
	require.NoError(t, err)
	assert.Equal(t, "listenKeyExpired", eventType)
	assert.Nil(t, ev.Order)
	assert.Nil(t, ev.Account)

	_, _, err = parseUserDataMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseBookTicker(t *testing.T) {
	tick, err := parseBookTicker([]byte(`{"e":"bookTicker","u":400900217,"E":1568014460893,"T":1568014460891,"s":"ETHUSDT","b":"1999.99","B":"31.21","a":"2000.01","A":"40.66"}`))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", tick.Symbol)
	assert.Equal(t, 1999.99, tick.BidPrice)
	assert.Equal(t, 2000.01, tick.AskPrice)
	assert.InDelta(t, 2000.0, tick.Mid(), 1e-9)

	_, err = parseBookTicker([]byte(`{"s":"ETHUSDT","b":"0","a":"0"}`))
	assert.Error(t, err)
}

// ============================================================================
// Streams against a local websocket server
// ============================================================================

func newWSServer(t *testing.T, frames ...string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// hold the connection open until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestUserDataStream_DeliversEventsInOrder(t *testing.T) {
	base := newWSServer(t, orderTradeUpdateFrame, `{"e":"MARGIN_CALL","E":1}`)
	mock := NewMockExchange("ETHUSDT")

	stream := NewUserDataStream(mock, StreamConfig{BaseURL: base}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	first := <-stream.Events()
	assert.Equal(t, UserDataConnected, first.Type)
	second := <-stream.Events()
	require.Equal(t, UserDataOrderUpdate, second.Type)
	assert.Equal(t, int64(8886774), second.Order.Order.OrderId)
	assert.True(t, stream.Connected())
	assert.Equal(t, 1, mock.CountCalls("CreateListenKey"))

	cancel()
	<-done
	// the channel is closed once Run returns
	for range stream.Events() {
	}
	assert.Equal(t, 1, mock.CountCalls("CloseListenKey"))
}

func TestBookTickerStream_LatestWins(t *testing.T) {
	base := newWSServer(t,
		`{"s":"ETHUSDT","b":"1999.00","a":"1999.02"}`,
		`{"s":"ETHUSDT","b":"2000.00","a":"2000.02"}`,
	)
	stream := NewBookTickerStream("ETHUSDT", StreamConfig{BaseURL: base}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = stream.Run(ctx) }()

	require.Eventually(t, func() bool { return !stream.LastMessage().IsZero() }, 3*time.Second, 10*time.Millisecond)

	var last BookTicker
	require.Eventually(t, func() bool {
		select {
		case tick := <-stream.Ticks():
			last = tick
		default:
		}
		return last.BidPrice == 2000.0
	}, 3*time.Second, 10*time.Millisecond)
}

package binance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

const (
	mockFeeRate      = 0.0004 // 0.04% fee
	mockMaxStops     = 10
	mockEventsBuffer = 1024
	mockDefaultPrice = 2000.0
)

// MockExchange is an in-memory Exchange for dry-run mode and tests.
// Limit orders rest until Fill or a crossing book; market orders fill at the
// book. Conditional algo orders trigger on SetMark.
type MockExchange struct {
	mu sync.Mutex

	symbol       string
	info         FuturesSymbolInfo
	bid, ask     float64
	mark         float64
	dualPosition bool
	leverage     int
	marginType   MarginType
	maxStops     int

	positions map[PositionSide]*FuturesPosition
	orders    map[int64]*FuturesOrder
	algos     map[int64]*AlgoOrder
	clientIDs map[string]int64 // open orders only

	nextOrderID int64
	nextTradeID int64
	now         func() time.Time

	failures map[string][]error
	calls    []string
	events   chan UserDataEvent
}

var _ Exchange = (*MockExchange)(nil)

// NewMockExchange creates a hedge-mode mock for symbol with ETHUSDT-like filters
func NewMockExchange(symbol string) *MockExchange {
	return &MockExchange{
		symbol: symbol,
		info: FuturesSymbolInfo{
			Symbol:     symbol,
			Status:     "TRADING",
			QuoteAsset: "USDT",
			Filters: []FuturesSymbolFilter{
				{FilterType: "PRICE_FILTER", TickSize: "0.01"},
				{FilterType: "LOT_SIZE", StepSize: "0.001", MinQty: "0.001"},
				{FilterType: "MIN_NOTIONAL", Notional: "5"},
			},
		},
		bid:          mockDefaultPrice - 0.01,
		ask:          mockDefaultPrice + 0.01,
		mark:         mockDefaultPrice,
		dualPosition: true,
		leverage:     5,
		marginType:   MarginTypeCrossed,
		maxStops:     mockMaxStops,
		positions:    make(map[PositionSide]*FuturesPosition),
		orders:       make(map[int64]*FuturesOrder),
		algos:        make(map[int64]*AlgoOrder),
		clientIDs:    make(map[string]int64),
		nextOrderID:  1000,
		nextTradeID:  1000,
		now:          time.Now,
		failures:     make(map[string][]error),
		events:       make(chan UserDataEvent, mockEventsBuffer),
	}
}

// ==================== TEST CONTROLS ====================

// Events returns stream-like order and account events produced by the mock
func (m *MockExchange) Events() <-chan UserDataEvent {
	return m.events
}

// SetSymbolInfo replaces the exchange info filters
func (m *MockExchange) SetSymbolInfo(info FuturesSymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
}

// SetDualPosition switches between hedge and one-way mode
func (m *MockExchange) SetDualPosition(dual bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dualPosition = dual
}

// SetMaxStops sets the per-symbol conditional order limit
func (m *MockExchange) SetMaxStops(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxStops = n
}

// SetBook moves the best bid/ask. Resting limit orders that cross fill.
func (m *MockExchange) SetBook(bid, ask float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bid, m.ask = bid, ask

	for _, id := range m.sortedOrderIDs() {
		o := m.orders[id]
		if o.Type != string(FuturesOrderTypeLimit) {
			continue
		}
		if (o.Side == "BUY" && ask <= o.Price) || (o.Side == "SELL" && bid >= o.Price) {
			m.fillLocked(o, o.Price)
		}
	}
}

// SetMark moves the mark price and triggers conditional orders
func (m *MockExchange) SetMark(mark float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mark = mark

	ids := make([]int64, 0, len(m.algos))
	for id := range m.algos {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		a := m.algos[id]
		if !triggered(a.Side, a.OrderType, a.TriggerPrice, mark) {
			continue
		}
		delete(m.algos, id)
		m.triggerLocked(a)
	}
}

// SetPosition seeds a position; amt is signed (negative for short)
func (m *MockExchange) SetPosition(side PositionSide, amt, entry float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionLocked(side).PositionAmt = amt
	m.positionLocked(side).EntryPrice = entry
}

// FailNext queues an error for the next call of method
func (m *MockExchange) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], err)
}

// Fill executes a resting order fully at its limit price
func (m *MockExchange) Fill(orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return &APIError{HTTPStatus: 400, Code: CodeNoSuchOrder, Msg: "Order does not exist."}
	}
	m.fillLocked(o, o.Price)
	return nil
}

// Calls returns the method names invoked so far
func (m *MockExchange) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CountCalls counts invocations of method
func (m *MockExchange) CountCalls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == method {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log
func (m *MockExchange) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// OpenOrders returns the resting orders without recording a call
func (m *MockExchange) OpenOrders() []FuturesOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openOrdersLocked()
}

// OpenAlgoOrders returns the resting conditional orders without recording a call
func (m *MockExchange) OpenAlgoOrders() []AlgoOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openAlgosLocked()
}

// Position returns the signed amount for a position side
func (m *MockExchange) Position(side PositionSide) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[side]; ok {
		return p.PositionAmt
	}
	return 0
}

// ==================== ACCOUNT ====================

func (m *MockExchange) GetPositions(_ context.Context, symbol string) ([]FuturesPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetPositions"); err != nil {
		return nil, err
	}

	sides := []PositionSide{PositionSideBoth}
	if m.dualPosition {
		sides = []PositionSide{PositionSideLong, PositionSideShort}
	}
	out := make([]FuturesPosition, 0, len(sides))
	for _, side := range sides {
		p := *m.positionLocked(side)
		p.MarkPrice = m.mark
		p.UnrealizedProfit = (m.mark - p.EntryPrice) * p.PositionAmt
		if p.PositionAmt == 0 {
			p.UnrealizedProfit = 0
		}
		p.Notional = p.PositionAmt * m.mark
		out = append(out, p)
	}
	return out, nil
}

// ==================== SETTINGS ====================

func (m *MockExchange) SetLeverage(_ context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("SetLeverage"); err != nil {
		return nil, err
	}
	m.leverage = leverage
	return &LeverageResponse{Leverage: leverage, Symbol: symbol}, nil
}

func (m *MockExchange) SetMarginType(_ context.Context, _ string, marginType MarginType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("SetMarginType"); err != nil {
		return err
	}
	m.marginType = marginType
	return nil
}

func (m *MockExchange) GetPositionMode(context.Context) (*PositionModeResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetPositionMode"); err != nil {
		return nil, err
	}
	return &PositionModeResponse{DualSidePosition: m.dualPosition}, nil
}

// ==================== TRADING ====================

func (m *MockExchange) PlaceOrder(_ context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("PlaceOrder"); err != nil {
		return nil, err
	}

	qty, price, err := parseOrderNumbers(params)
	if err != nil {
		return nil, err
	}
	if params.NewClientOrderId != "" {
		if _, dup := m.clientIDs[params.NewClientOrderId]; dup {
			return nil, &APIError{HTTPStatus: 400, Code: -4015, Msg: "Client order id is not valid."}
		}
	}
	if m.dualPosition && params.ReduceOnly {
		return nil, &APIError{HTTPStatus: 400, Code: -1106, Msg: "Parameter 'reduceOnly' sent when not required."}
	}
	if !m.dualPosition && params.PositionSide != "" && params.PositionSide != PositionSideBoth {
		return nil, &APIError{HTTPStatus: 400, Code: -4061, Msg: "Order's position side does not match user's setting."}
	}
	if m.dualPosition && params.PositionSide != PositionSideLong && params.PositionSide != PositionSideShort {
		return nil, &APIError{HTTPStatus: 400, Code: -4061, Msg: "Order's position side does not match user's setting."}
	}

	crosses := (params.Side == "BUY" && price >= m.ask) || (params.Side == "SELL" && price <= m.bid)
	if params.Type == FuturesOrderTypeLimit && params.TimeInForce == TimeInForceGTX && crosses {
		return nil, &APIError{HTTPStatus: 400, Code: CodePostOnlyRejected, Msg: "Due to the order could not be executed as maker, the Post Only order will be rejected."}
	}

	o := &FuturesOrder{
		OrderId:       m.nextOrderID,
		Symbol:        params.Symbol,
		Status:        string(FuturesOrderStatusNew),
		ClientOrderId: params.NewClientOrderId,
		Price:         price,
		OrigQty:       qty,
		TimeInForce:   string(params.TimeInForce),
		Type:          string(params.Type),
		OrigType:      string(params.Type),
		ReduceOnly:    params.ReduceOnly,
		Side:          params.Side,
		PositionSide:  string(m.positionSideFor(params.PositionSide)),
		Time:          m.now().UnixMilli(),
		UpdateTime:    m.now().UnixMilli(),
	}
	m.nextOrderID++
	if o.ClientOrderId == "" {
		o.ClientOrderId = fmt.Sprintf("mock-%d", o.OrderId)
	}
	m.clientIDs[o.ClientOrderId] = o.OrderId
	m.orders[o.OrderId] = o
	m.emitOrderLocked(o, "NEW", 0, 0, 0, 0)

	switch {
	case params.Type == FuturesOrderTypeMarket:
		fillPrice := m.ask
		if params.Side == "SELL" {
			fillPrice = m.bid
		}
		m.fillLocked(o, fillPrice)
	case crosses:
		m.fillLocked(o, price)
	}

	return &FuturesOrderResponse{
		OrderId:       o.OrderId,
		Symbol:        o.Symbol,
		Status:        o.Status,
		ClientOrderId: o.ClientOrderId,
		Price:         o.Price,
		AvgPrice:      o.AvgPrice,
		OrigQty:       o.OrigQty,
		ExecutedQty:   o.ExecutedQty,
		TimeInForce:   o.TimeInForce,
		Type:          o.Type,
		ReduceOnly:    o.ReduceOnly,
		Side:          o.Side,
		PositionSide:  o.PositionSide,
		UpdateTime:    o.UpdateTime,
	}, nil
}

func (m *MockExchange) CancelOrder(_ context.Context, _ string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CancelOrder"); err != nil {
		return err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return &APIError{HTTPStatus: 400, Code: CodeCancelRejected, Msg: "Unknown order sent."}
	}
	m.cancelLocked(o)
	return nil
}

func (m *MockExchange) CancelAllOrders(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CancelAllOrders"); err != nil {
		return err
	}
	for _, id := range m.sortedOrderIDs() {
		m.cancelLocked(m.orders[id])
	}
	return nil
}

func (m *MockExchange) GetOpenOrders(context.Context, string) ([]FuturesOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetOpenOrders"); err != nil {
		return nil, err
	}
	return m.openOrdersLocked(), nil
}

// ==================== ALGO ORDERS ====================

func (m *MockExchange) PlaceAlgoOrder(_ context.Context, params AlgoOrderParams) (*AlgoOrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("PlaceAlgoOrder"); err != nil {
		return nil, err
	}

	trigger := params.TriggerPrice
	if params.TriggerText != "" {
		if _, err := fmt.Sscanf(params.TriggerText, "%g", &trigger); err != nil {
			return nil, &APIError{HTTPStatus: 400, Code: -1102, Msg: "Mandatory parameter 'triggerPrice' was not sent, was empty/null, or malformed."}
		}
	}
	if trigger <= 0 {
		return nil, &APIError{HTTPStatus: 400, Code: -1102, Msg: "Mandatory parameter 'triggerPrice' was not sent, was empty/null, or malformed."}
	}
	if triggered(params.Side, string(params.Type), trigger, m.mark) {
		return nil, &APIError{HTTPStatus: 400, Code: CodeWouldTrigger, Msg: "Order would immediately trigger."}
	}
	if len(m.algos) >= m.maxStops {
		return nil, &APIError{HTTPStatus: 400, Code: CodeTooManyStopOrders, Msg: "Reach max stop order limit."}
	}
	posSide := m.positionSideFor(params.PositionSide)
	if params.ClosePosition {
		for _, a := range m.algos {
			if a.ClosePosition && a.Side == params.Side && a.PositionSide == string(posSide) && a.OrderType == string(params.Type) {
				return nil, &APIError{HTTPStatus: 400, Code: CodeDuplicateStop, Msg: "An open stop or take profit order with GTE and closePosition in the direction is existing."}
			}
		}
	}

	a := &AlgoOrder{
		AlgoId:        m.nextOrderID,
		ClientAlgoId:  params.ClientAlgoId,
		AlgoType:      string(AlgoTypeConditional),
		OrderType:     string(params.Type),
		Symbol:        params.Symbol,
		Side:          params.Side,
		PositionSide:  string(posSide),
		AlgoStatus:    string(AlgoOrderStatusNew),
		TriggerPrice:  trigger,
		Quantity:      params.Quantity,
		WorkingType:   string(params.WorkingType),
		ClosePosition: params.ClosePosition,
		ReduceOnly:    params.ReduceOnly,
		CreateTime:    m.now().UnixMilli(),
		UpdateTime:    m.now().UnixMilli(),
	}
	m.nextOrderID++
	m.algos[a.AlgoId] = a

	return &AlgoOrderResponse{
		AlgoId:        a.AlgoId,
		ClientAlgoId:  a.ClientAlgoId,
		AlgoType:      a.AlgoType,
		OrderType:     a.OrderType,
		Symbol:        a.Symbol,
		Side:          a.Side,
		PositionSide:  a.PositionSide,
		AlgoStatus:    a.AlgoStatus,
		TriggerPrice:  a.TriggerPrice,
		ClosePosition: a.ClosePosition,
		ReduceOnly:    a.ReduceOnly,
		CreateTime:    a.CreateTime,
	}, nil
}

func (m *MockExchange) GetOpenAlgoOrders(context.Context, string) ([]AlgoOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetOpenAlgoOrders"); err != nil {
		return nil, err
	}
	return m.openAlgosLocked(), nil
}

func (m *MockExchange) CancelAlgoOrder(_ context.Context, _ string, algoID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CancelAlgoOrder"); err != nil {
		return err
	}
	if _, ok := m.algos[algoID]; !ok {
		return &APIError{HTTPStatus: 400, Code: CodeCancelRejected, Msg: "Unknown order sent."}
	}
	delete(m.algos, algoID)
	return nil
}

func (m *MockExchange) CancelAllAlgoOrders(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CancelAllAlgoOrders"); err != nil {
		return err
	}
	clear(m.algos)
	return nil
}

// ==================== MARKET DATA ====================

func (m *MockExchange) GetExchangeInfo(context.Context) (*FuturesExchangeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetExchangeInfo"); err != nil {
		return nil, err
	}
	return &FuturesExchangeInfo{ServerTime: m.now().UnixMilli(), Symbols: []FuturesSymbolInfo{m.info}}, nil
}

func (m *MockExchange) GetBookTicker(_ context.Context, symbol string) (*BookTicker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetBookTicker"); err != nil {
		return nil, err
	}
	return &BookTicker{Symbol: symbol, BidPrice: m.bid, AskPrice: m.ask, Time: m.now().UnixMilli()}, nil
}

func (m *MockExchange) GetMarkPrice(_ context.Context, symbol string) (*MarkPrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetMarkPrice"); err != nil {
		return nil, err
	}
	return &MarkPrice{Symbol: symbol, MarkPrice: m.mark, IndexPrice: m.mark, Time: m.now().UnixMilli()}, nil
}

// ==================== USER DATA STREAM ====================

func (m *MockExchange) CreateListenKey(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CreateListenKey"); err != nil {
		return "", err
	}
	return "mock-listen-key", nil
}

func (m *MockExchange) KeepAliveListenKey(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begin("KeepAliveListenKey")
}

func (m *MockExchange) CloseListenKey(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begin("CloseListenKey")
}

// ==================== INTERNALS ====================

// begin records the call and pops a queued failure
func (m *MockExchange) begin(method string) error {
	m.calls = append(m.calls, method)
	if queue := m.failures[method]; len(queue) > 0 {
		m.failures[method] = queue[1:]
		return queue[0]
	}
	return nil
}

func (m *MockExchange) positionSideFor(requested PositionSide) PositionSide {
	if !m.dualPosition {
		return PositionSideBoth
	}
	return requested
}

func (m *MockExchange) positionLocked(side PositionSide) *FuturesPosition {
	p, ok := m.positions[side]
	if !ok {
		p = &FuturesPosition{
			Symbol:       m.symbol,
			PositionSide: string(side),
			Leverage:     m.leverage,
			MarginType:   string(m.marginType),
		}
		m.positions[side] = p
	}
	return p
}

func (m *MockExchange) sortedOrderIDs() []int64 {
	ids := make([]int64, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *MockExchange) openOrdersLocked() []FuturesOrder {
	out := make([]FuturesOrder, 0, len(m.orders))
	for _, id := range m.sortedOrderIDs() {
		out = append(out, *m.orders[id])
	}
	return out
}

func (m *MockExchange) openAlgosLocked() []AlgoOrder {
	out := make([]AlgoOrder, 0, len(m.algos))
	for _, a := range m.algos {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlgoId < out[j].AlgoId })
	return out
}

func (m *MockExchange) cancelLocked(o *FuturesOrder) {
	delete(m.orders, o.OrderId)
	delete(m.clientIDs, o.ClientOrderId)
	o.Status = string(FuturesOrderStatusCanceled)
	m.emitOrderLocked(o, "CANCELED", 0, 0, 0, 0)
}

// fillLocked executes the remainder of o at price and updates the position
func (m *MockExchange) fillLocked(o *FuturesOrder, price float64) {
	posSide := PositionSide(o.PositionSide)
	pos := m.positionLocked(posSide)
	qty := o.OrigQty - o.ExecutedQty

	signed := qty
	if o.Side == "SELL" {
		signed = -qty
	}
	reducing := pos.PositionAmt != 0 && math.Signbit(signed) != math.Signbit(pos.PositionAmt)
	if o.ReduceOnly || o.ClosePosition || isHedgeReduce(posSide, o.Side) {
		if !reducing {
			qty, signed = 0, 0
		} else if qty > math.Abs(pos.PositionAmt) {
			qty = math.Abs(pos.PositionAmt)
			signed = math.Copysign(qty, signed)
		}
	}

	var realized float64
	if reducing {
		closed := math.Min(qty, math.Abs(pos.PositionAmt))
		realized = (price - pos.EntryPrice) * math.Copysign(closed, pos.PositionAmt)
	}

	oldAmt := pos.PositionAmt
	newAmt := oldAmt + signed
	switch {
	case math.Abs(newAmt) < 1e-12:
		newAmt = 0
		pos.EntryPrice = 0
	case oldAmt == 0 || math.Signbit(oldAmt) != math.Signbit(newAmt):
		pos.EntryPrice = price
	case !reducing:
		pos.EntryPrice = (pos.EntryPrice*math.Abs(oldAmt) + price*qty) / math.Abs(newAmt)
	}
	pos.PositionAmt = newAmt
	pos.UpdateTime = m.now().UnixMilli()

	o.ExecutedQty += qty
	o.AvgPrice = price
	o.Status = string(FuturesOrderStatusFilled)
	o.UpdateTime = m.now().UnixMilli()
	delete(m.orders, o.OrderId)
	delete(m.clientIDs, o.ClientOrderId)

	m.nextTradeID++
	fee := price * qty * mockFeeRate
	m.emitOrderLocked(o, "TRADE", qty, price, realized, fee)
	m.emitAccountLocked(pos)
}

// triggerLocked converts a triggered conditional order into a market fill
func (m *MockExchange) triggerLocked(a *AlgoOrder) {
	posSide := PositionSide(a.PositionSide)
	qty := a.Quantity
	if a.ClosePosition {
		qty = math.Abs(m.positionLocked(posSide).PositionAmt)
	}
	if qty == 0 {
		return
	}
	o := &FuturesOrder{
		OrderId:       m.nextOrderID,
		Symbol:        a.Symbol,
		ClientOrderId: a.ClientAlgoId,
		OrigQty:       qty,
		Type:          string(FuturesOrderTypeMarket),
		OrigType:      a.OrderType,
		ReduceOnly:    true,
		ClosePosition: a.ClosePosition,
		Side:          a.Side,
		PositionSide:  a.PositionSide,
		StopPrice:     a.TriggerPrice,
		Time:          m.now().UnixMilli(),
	}
	m.nextOrderID++
	m.orders[o.OrderId] = o
	fillPrice := m.bid
	if a.Side == "BUY" {
		fillPrice = m.ask
	}
	m.fillLocked(o, fillPrice)
}

func (m *MockExchange) emitOrderLocked(o *FuturesOrder, execType string, last, lastPrice, realized, fee float64) {
	orderType := o.Type
	if o.OrigType != "" {
		orderType = o.OrigType
	}
	data := OrderUpdateData{
		Symbol:              o.Symbol,
		ClientOrderId:       o.ClientOrderId,
		Side:                o.Side,
		OrderType:           orderType,
		TimeInForce:         o.TimeInForce,
		OriginalQuantity:    o.OrigQty,
		OriginalPrice:       o.Price,
		AveragePrice:        o.AvgPrice,
		StopPrice:           o.StopPrice,
		ExecutionType:       execType,
		OrderStatus:         o.Status,
		OrderId:             o.OrderId,
		LastFilledQty:       last,
		CumulativeFilledQty: o.ExecutedQty,
		LastFilledPrice:     lastPrice,
		OrderTradeTime:      m.now().UnixMilli(),
		IsReduceOnly:        o.ReduceOnly,
		OriginalOrderType:   orderType,
		PositionSide:        o.PositionSide,
		IsClosePosition:     o.ClosePosition,
		RealizedProfit:      realized,
	}
	if execType == "TRADE" {
		data.TradeId = m.nextTradeID
		data.Commission = fee
		data.CommissionAsset = m.info.QuoteAsset
	}
	m.emitLocked(UserDataEvent{
		Type:  UserDataOrderUpdate,
		Order: &OrderUpdateEvent{EventType: "ORDER_TRADE_UPDATE", EventTime: m.now().UnixMilli(), Order: data},
		At:    m.now(),
	})
}

func (m *MockExchange) emitAccountLocked(pos *FuturesPosition) {
	m.emitLocked(UserDataEvent{
		Type: UserDataAccountUpdate,
		Account: &AccountUpdateEvent{
			EventType: "ACCOUNT_UPDATE",
			EventTime: m.now().UnixMilli(),
			AccountUpdate: AccountUpdateData{
				EventReasonType: "ORDER",
				Positions: []PositionUpdate{{
					Symbol:         pos.Symbol,
					PositionAmount: pos.PositionAmt,
					EntryPrice:     pos.EntryPrice,
					PositionSide:   pos.PositionSide,
				}},
			},
		},
		At: m.now(),
	})
}

// emitLocked never blocks; consumers that do not drain lose events
func (m *MockExchange) emitLocked(ev UserDataEvent) {
	select {
	case m.events <- ev:
	default:
	}
}

// triggered reports whether a conditional order fires at mark
func triggered(side, orderType string, trigger, mark float64) bool {
	stopLike := orderType == string(FuturesOrderTypeStopMarket) || orderType == string(FuturesOrderTypeStop)
	switch {
	case side == "SELL" && stopLike, side == "BUY" && !stopLike:
		return mark <= trigger
	default:
		return mark >= trigger
	}
}

func isHedgeReduce(posSide PositionSide, orderSide string) bool {
	return (posSide == PositionSideLong && orderSide == "SELL") || (posSide == PositionSideShort && orderSide == "BUY")
}

func parseOrderNumbers(params FuturesOrderParams) (qty, price float64, err error) {
	qty, price = params.Quantity, params.Price
	if params.QuantityText != "" {
		if _, err = fmt.Sscanf(params.QuantityText, "%g", &qty); err != nil {
			return 0, 0, &APIError{HTTPStatus: 400, Code: -1111, Msg: "Precision is over the maximum defined for this asset."}
		}
	}
	if params.PriceText != "" {
		if _, err = fmt.Sscanf(params.PriceText, "%g", &price); err != nil {
			return 0, 0, &APIError{HTTPStatus: 400, Code: -1111, Msg: "Precision is over the maximum defined for this asset."}
		}
	}
	if qty <= 0 && !params.ClosePosition {
		return 0, 0, &APIError{HTTPStatus: 400, Code: -4003, Msg: "Quantity less than or equal to zero."}
	}
	return qty, price, nil
}

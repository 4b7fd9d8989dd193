package binance

import (
	"fmt"

	"gridbot/internal/orders"
)

// ==================== ENUMS ====================

// MarginType represents the margin mode for futures trading
type MarginType string

const (
	MarginTypeCrossed  MarginType = "CROSSED"
	MarginTypeIsolated MarginType = "ISOLATED"
)

// PositionSide represents the position side for futures trading
type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"  // One-way mode
	PositionSideLong  PositionSide = "LONG"  // Hedge mode long
	PositionSideShort PositionSide = "SHORT" // Hedge mode short
)

// FuturesOrderType represents order types for futures
type FuturesOrderType string

const (
	FuturesOrderTypeLimit            FuturesOrderType = "LIMIT"
	FuturesOrderTypeMarket           FuturesOrderType = "MARKET"
	FuturesOrderTypeStop             FuturesOrderType = "STOP"
	FuturesOrderTypeStopMarket       FuturesOrderType = "STOP_MARKET"
	FuturesOrderTypeTakeProfit       FuturesOrderType = "TAKE_PROFIT"
	FuturesOrderTypeTakeProfitMarket FuturesOrderType = "TAKE_PROFIT_MARKET"
	FuturesOrderTypeTrailingStop     FuturesOrderType = "TRAILING_STOP_MARKET"
)

// IsConditional reports whether the order type is a stop/take-profit type
func (t FuturesOrderType) IsConditional() bool {
	switch t {
	case FuturesOrderTypeStop, FuturesOrderTypeStopMarket, FuturesOrderTypeTakeProfit,
		FuturesOrderTypeTakeProfitMarket, FuturesOrderTypeTrailingStop:
		return true
	}
	return false
}

// TimeInForce represents order time-in-force options
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good Till Cancel
	TimeInForceIOC TimeInForce = "IOC" // Immediate or Cancel
	TimeInForceFOK TimeInForce = "FOK" // Fill or Kill
	TimeInForceGTX TimeInForce = "GTX" // Good Till Crossing (Post Only)
)

// FuturesOrderStatus represents order status
type FuturesOrderStatus string

const (
	FuturesOrderStatusNew             FuturesOrderStatus = "NEW"
	FuturesOrderStatusPartiallyFilled FuturesOrderStatus = "PARTIALLY_FILLED"
	FuturesOrderStatusFilled          FuturesOrderStatus = "FILLED"
	FuturesOrderStatusCanceled        FuturesOrderStatus = "CANCELED"
	FuturesOrderStatusExpired         FuturesOrderStatus = "EXPIRED"
)

// WorkingType for TP/SL orders
type WorkingType string

const (
	WorkingTypeContractPrice WorkingType = "CONTRACT_PRICE"
	WorkingTypeMarkPrice     WorkingType = "MARK_PRICE"
)

// ==================== POSITION TYPES ====================

// FuturesPosition represents a futures position from positionRisk endpoint
type FuturesPosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
	Leverage         int     `json:"leverage,string"`
	MarginType       string  `json:"marginType"`
	PositionSide     string  `json:"positionSide"`
	Notional         float64 `json:"notional,string"`
	UpdateTime       int64   `json:"updateTime"`
}

// ==================== ORDER TYPES ====================

// FuturesOrderParams represents parameters for placing a futures order
type FuturesOrderParams struct {
	Symbol           string           `json:"symbol"`
	Side             string           `json:"side"` // BUY or SELL
	PositionSide     PositionSide     `json:"positionSide"`
	Type             FuturesOrderType `json:"type"`
	Quantity         float64          `json:"quantity"`
	Price            float64          `json:"price,omitempty"`
	StopPrice        float64          `json:"stopPrice,omitempty"`
	TimeInForce      TimeInForce      `json:"timeInForce,omitempty"`
	ReduceOnly       bool             `json:"reduceOnly,omitempty"`
	ClosePosition    bool             `json:"closePosition,omitempty"`
	WorkingType      WorkingType      `json:"workingType,omitempty"`
	PriceProtect     bool             `json:"priceProtect,omitempty"`
	NewClientOrderId string           `json:"newClientOrderId,omitempty"`

	// QuantityText and PriceText override the float fields on the wire when
	// set, so callers can send instrument-formatted values.
	QuantityText string `json:"-"`
	PriceText    string `json:"-"`
}

// FuturesOrder represents a futures order
type FuturesOrder struct {
	OrderId       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderId string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	TimeInForce   string  `json:"timeInForce"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	ClosePosition bool    `json:"closePosition"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	StopPrice     float64 `json:"stopPrice,string"`
	WorkingType   string  `json:"workingType"`
	OrigType      string  `json:"origType"`
	Time          int64   `json:"time"`
	UpdateTime    int64   `json:"updateTime"`
}

// IsConditional reports whether the order is a resting stop/take-profit
func (o FuturesOrder) IsConditional() bool {
	return FuturesOrderType(o.Type).IsConditional() || FuturesOrderType(o.OrigType).IsConditional()
}

// FuturesOrderResponse represents response from placing an order
type FuturesOrderResponse struct {
	OrderId       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderId string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	TimeInForce   string  `json:"timeInForce"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	ClosePosition bool    `json:"closePosition"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	UpdateTime    int64   `json:"updateTime"`
}

// ==================== LEVERAGE & SETTINGS TYPES ====================

// LeverageResponse represents response from setting leverage
type LeverageResponse struct {
	Leverage         int     `json:"leverage"`
	MaxNotionalValue float64 `json:"maxNotionalValue,string"`
	Symbol           string  `json:"symbol"`
}

// PositionModeResponse represents response from getting position mode
type PositionModeResponse struct {
	DualSidePosition bool `json:"dualSidePosition"`
}

// ==================== SYMBOL INFO TYPES ====================

// FuturesSymbolFilter represents a filter from the symbol's filters array
type FuturesSymbolFilter struct {
	FilterType string `json:"filterType"`
	MinPrice   string `json:"minPrice,omitempty"`
	MaxPrice   string `json:"maxPrice,omitempty"`
	TickSize   string `json:"tickSize,omitempty"`
	MinQty     string `json:"minQty,omitempty"`
	MaxQty     string `json:"maxQty,omitempty"`
	StepSize   string `json:"stepSize,omitempty"`
	Notional   string `json:"notional,omitempty"`
}

// FuturesSymbolInfo represents futures symbol information
type FuturesSymbolInfo struct {
	Symbol            string                `json:"symbol"`
	Pair              string                `json:"pair"`
	ContractType      string                `json:"contractType"`
	Status            string                `json:"status"`
	BaseAsset         string                `json:"baseAsset"`
	QuoteAsset        string                `json:"quoteAsset"`
	MarginAsset       string                `json:"marginAsset"`
	PricePrecision    int                   `json:"pricePrecision"`
	QuantityPrecision int                   `json:"quantityPrecision"`
	Filters           []FuturesSymbolFilter `json:"filters"`
}

// Instrument converts the symbol filters into rounding rules
func (s FuturesSymbolInfo) Instrument() (orders.Instrument, error) {
	var tick, step, minQty, minNotional string
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			tick = f.TickSize
		case "LOT_SIZE":
			step, minQty = f.StepSize, f.MinQty
		case "MIN_NOTIONAL":
			minNotional = f.Notional
		}
	}
	if tick == "" || step == "" {
		return orders.Instrument{}, fmt.Errorf("symbol %s: missing PRICE_FILTER or LOT_SIZE", s.Symbol)
	}
	return orders.NewInstrument(s.Symbol, tick, step, minQty, minNotional)
}

// FuturesExchangeInfo represents futures exchange information
type FuturesExchangeInfo struct {
	ServerTime int64               `json:"serverTime"`
	Symbols    []FuturesSymbolInfo `json:"symbols"`
	Timezone   string              `json:"timezone"`
}

// Symbol finds a symbol's info
func (e *FuturesExchangeInfo) Symbol(symbol string) (FuturesSymbolInfo, bool) {
	for _, s := range e.Symbols {
		if s.Symbol == symbol {
			return s, true
		}
	}
	return FuturesSymbolInfo{}, false
}

// ==================== LISTEN KEY ====================

// ListenKeyResponse represents response from listen key endpoints
type ListenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// ==================== ALGO ORDER TYPES ====================

// AlgoType for algo orders
type AlgoType string

const (
	AlgoTypeConditional AlgoType = "CONDITIONAL"
)

// AlgoOrderStatus represents algo order status
type AlgoOrderStatus string

const (
	AlgoOrderStatusNew       AlgoOrderStatus = "NEW"
	AlgoOrderStatusTriggered AlgoOrderStatus = "TRIGGERED"
	AlgoOrderStatusCancelled AlgoOrderStatus = "CANCELLED"
	AlgoOrderStatusExpired   AlgoOrderStatus = "EXPIRED"
)

// AlgoOrderParams represents parameters for placing an algo order.
// Conditional orders (STOP_MARKET, TAKE_PROFIT_MARKET, ...) live on the algo
// service since the Binance migration of 2025-12-09.
type AlgoOrderParams struct {
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"` // BUY or SELL
	PositionSide  PositionSide     `json:"positionSide,omitempty"`
	Type          FuturesOrderType `json:"type"`
	Quantity      float64          `json:"quantity,omitempty"`
	TriggerPrice  float64          `json:"triggerPrice"`
	TriggerText   string           `json:"-"`
	WorkingType   WorkingType      `json:"workingType,omitempty"`
	ClosePosition bool             `json:"closePosition,omitempty"`
	ReduceOnly    bool             `json:"reduceOnly,omitempty"`
	PriceProtect  bool             `json:"priceProtect,omitempty"`
	ClientAlgoId  string           `json:"clientAlgoId,omitempty"`
}

// AlgoOrderResponse represents response from placing an algo order
type AlgoOrderResponse struct {
	AlgoId        int64   `json:"algoId"`
	ClientAlgoId  string  `json:"clientAlgoId"`
	AlgoType      string  `json:"algoType"`
	OrderType     string  `json:"orderType"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	AlgoStatus    string  `json:"algoStatus"`
	TriggerPrice  float64 `json:"triggerPrice,string"`
	ClosePosition bool    `json:"closePosition"`
	ReduceOnly    bool    `json:"reduceOnly"`
	CreateTime    int64   `json:"createTime"`
}

// AlgoOrder represents an open algo order
type AlgoOrder struct {
	AlgoId        int64   `json:"algoId"`
	ClientAlgoId  string  `json:"clientAlgoId"`
	AlgoType      string  `json:"algoType"`
	OrderType     string  `json:"orderType"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	AlgoStatus    string  `json:"algoStatus"`
	TriggerPrice  float64 `json:"triggerPrice,string"`
	Quantity      float64 `json:"quantity,string"`
	WorkingType   string  `json:"workingType"`
	ClosePosition bool    `json:"closePosition"`
	ReduceOnly    bool    `json:"reduceOnly"`
	CreateTime    int64   `json:"createTime"`
	UpdateTime    int64   `json:"updateTime"`
}

// ==================== MARKET DATA TYPES ====================

// BookTicker is the best bid/ask of a symbol
type BookTicker struct {
	Symbol   string  `json:"s"`
	BidPrice float64 `json:"b,string"`
	BidQty   float64 `json:"B,string"`
	AskPrice float64 `json:"a,string"`
	AskQty   float64 `json:"A,string"`
	UpdateID int64   `json:"u"`
	Time     int64   `json:"T"`
}

// Mid returns the mid price, or whichever side is known
func (b BookTicker) Mid() float64 {
	switch {
	case b.BidPrice > 0 && b.AskPrice > 0:
		return (b.BidPrice + b.AskPrice) / 2
	case b.BidPrice > 0:
		return b.BidPrice
	}
	return b.AskPrice
}

// MarkPrice represents mark price data from premiumIndex
type MarkPrice struct {
	Symbol     string  `json:"symbol"`
	MarkPrice  float64 `json:"markPrice,string"`
	IndexPrice float64 `json:"indexPrice,string"`
	Time       int64   `json:"time"`
}

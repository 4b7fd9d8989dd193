package binance

import "context"

// Exchange defines the Binance USDT-M futures operations the grid engine uses
type Exchange interface {
	// ==================== ACCOUNT ====================

	// GetPositions retrieves position risk rows for a symbol (both sides in hedge mode)
	GetPositions(ctx context.Context, symbol string) ([]FuturesPosition, error)

	// ==================== SETTINGS ====================

	// SetLeverage sets the leverage for a symbol (1-125x)
	SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error)

	// SetMarginType sets the margin type; "no need to change" is not an error
	SetMarginType(ctx context.Context, symbol string, marginType MarginType) error

	// GetPositionMode reports whether the account is in hedge (dual side) mode
	GetPositionMode(ctx context.Context) (*PositionModeResponse, error)

	// ==================== TRADING ====================

	PlaceOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error)

	// ==================== ALGO ORDERS ====================

	// PlaceAlgoOrder places a conditional order (STOP_MARKET, TAKE_PROFIT_MARKET, ...)
	PlaceAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderResponse, error)
	GetOpenAlgoOrders(ctx context.Context, symbol string) ([]AlgoOrder, error)
	CancelAlgoOrder(ctx context.Context, symbol string, algoID int64) error
	CancelAllAlgoOrders(ctx context.Context, symbol string) error

	// ==================== MARKET DATA ====================

	GetExchangeInfo(ctx context.Context) (*FuturesExchangeInfo, error)
	GetBookTicker(ctx context.Context, symbol string) (*BookTicker, error)
	GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error)

	// ==================== USER DATA STREAM ====================

	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

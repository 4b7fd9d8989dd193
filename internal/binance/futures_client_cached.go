package binance

import (
	"context"
	"sync"
	"time"
)

// UserDataCache holds open regular and algo orders per symbol with a TTL
type UserDataCache struct {
	mu sync.RWMutex

	// Open orders cache
	openOrders     map[string][]FuturesOrder
	openOrdersTime map[string]time.Time

	// Open algo orders cache
	openAlgoOrders     map[string][]AlgoOrder
	openAlgoOrdersTime map[string]time.Time

	ttl time.Duration
	now func() time.Time
}

// NewUserDataCache creates a new user data cache
func NewUserDataCache(ttl time.Duration) *UserDataCache {
	return &UserDataCache{
		openOrders:         make(map[string][]FuturesOrder),
		openOrdersTime:     make(map[string]time.Time),
		openAlgoOrders:     make(map[string][]AlgoOrder),
		openAlgoOrdersTime: make(map[string]time.Time),
		ttl:                ttl,
		now:                time.Now,
	}
}

// SetTTL changes the freshness window; zero disables caching
func (u *UserDataCache) SetTTL(ttl time.Duration) {
	u.mu.Lock()
	u.ttl = ttl
	u.mu.Unlock()
}

// Invalidate drops everything cached
func (u *UserDataCache) Invalidate() {
	u.mu.Lock()
	defer u.mu.Unlock()
	clear(u.openOrders)
	clear(u.openOrdersTime)
	clear(u.openAlgoOrders)
	clear(u.openAlgoOrdersTime)
}

func (u *UserDataCache) getOrders(symbol string) ([]FuturesOrder, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	orders, ok := u.openOrders[symbol]
	if !ok || u.now().Sub(u.openOrdersTime[symbol]) >= u.ttl {
		return nil, false
	}
	result := make([]FuturesOrder, len(orders))
	copy(result, orders)
	return result, true
}

func (u *UserDataCache) putOrders(symbol string, orders []FuturesOrder, at time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	// an invalidation that happened after the read started wins
	if u.ttl <= 0 {
		return
	}
	u.openOrders[symbol] = orders
	u.openOrdersTime[symbol] = at
}

func (u *UserDataCache) getAlgoOrders(symbol string) ([]AlgoOrder, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	orders, ok := u.openAlgoOrders[symbol]
	if !ok || u.now().Sub(u.openAlgoOrdersTime[symbol]) >= u.ttl {
		return nil, false
	}
	result := make([]AlgoOrder, len(orders))
	copy(result, orders)
	return result, true
}

func (u *UserDataCache) putAlgoOrders(symbol string, orders []AlgoOrder, at time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ttl <= 0 {
		return
	}
	u.openAlgoOrders[symbol] = orders
	u.openAlgoOrdersTime[symbol] = at
}

// CachedFuturesClient wraps an Exchange with a short-lived open-order cache.
// Writes invalidate the cache, as does any "unknown order" rejection.
type CachedFuturesClient struct {
	Exchange
	cache *UserDataCache

	// generation guards against caching a read that raced an invalidation
	mu         sync.Mutex
	generation uint64
}

var _ Exchange = (*CachedFuturesClient)(nil)

// NewCachedFuturesClient creates a caching wrapper around client
func NewCachedFuturesClient(client Exchange, ttl time.Duration) *CachedFuturesClient {
	return &CachedFuturesClient{Exchange: client, cache: NewUserDataCache(ttl)}
}

// Cache exposes the underlying cache
func (c *CachedFuturesClient) Cache() *UserDataCache {
	return c.cache
}

// InvalidateUserDataCache drops cached open orders
func (c *CachedFuturesClient) InvalidateUserDataCache() {
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()
	c.cache.Invalidate()
}

func (c *CachedFuturesClient) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// afterWrite invalidates when the exchange state may have changed
func (c *CachedFuturesClient) afterWrite(err error) {
	if err == nil || Classify(err) == KindUnknownOrder {
		c.InvalidateUserDataCache()
	}
}

// ==================== ORDERS ====================

func (c *CachedFuturesClient) PlaceOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error) {
	result, err := c.Exchange.PlaceOrder(ctx, params)
	c.afterWrite(err)
	return result, err
}

func (c *CachedFuturesClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	err := c.Exchange.CancelOrder(ctx, symbol, orderID)
	c.afterWrite(err)
	return err
}

func (c *CachedFuturesClient) CancelAllOrders(ctx context.Context, symbol string) error {
	err := c.Exchange.CancelAllOrders(ctx, symbol)
	c.afterWrite(err)
	return err
}

func (c *CachedFuturesClient) GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error) {
	if orders, ok := c.cache.getOrders(symbol); ok {
		return orders, nil
	}

	gen := c.currentGeneration()
	readAt := c.cache.now()
	result, err := c.Exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if gen == c.currentGeneration() {
		c.cache.putOrders(symbol, result, readAt)
	}

	out := make([]FuturesOrder, len(result))
	copy(out, result)
	return out, nil
}

// ==================== ALGO ORDERS ====================

func (c *CachedFuturesClient) PlaceAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderResponse, error) {
	result, err := c.Exchange.PlaceAlgoOrder(ctx, params)
	c.afterWrite(err)
	return result, err
}

func (c *CachedFuturesClient) GetOpenAlgoOrders(ctx context.Context, symbol string) ([]AlgoOrder, error) {
	if orders, ok := c.cache.getAlgoOrders(symbol); ok {
		return orders, nil
	}

	gen := c.currentGeneration()
	readAt := c.cache.now()
	result, err := c.Exchange.GetOpenAlgoOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if gen == c.currentGeneration() {
		c.cache.putAlgoOrders(symbol, result, readAt)
	}

	out := make([]AlgoOrder, len(result))
	copy(out, result)
	return out, nil
}

func (c *CachedFuturesClient) CancelAlgoOrder(ctx context.Context, symbol string, algoID int64) error {
	err := c.Exchange.CancelAlgoOrder(ctx, symbol, algoID)
	c.afterWrite(err)
	return err
}

func (c *CachedFuturesClient) CancelAllAlgoOrders(ctx context.Context, symbol string) error {
	err := c.Exchange.CancelAllAlgoOrders(ctx, symbol)
	c.afterWrite(err)
	return err
}

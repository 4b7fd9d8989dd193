package binance

import (
	"context"
	"sync/atomic"
	"time"
)

// MockUserDataStream replays MockExchange order and account events as a
// user data stream. It reports connected as soon as Run starts.
type MockUserDataStream struct {
	mock        *MockExchange
	events      chan UserDataEvent
	connected   atomic.Bool
	lastMessage atomic.Int64
}

// NewMockUserDataStream creates a stream over mock's event feed
func NewMockUserDataStream(mock *MockExchange) *MockUserDataStream {
	return &MockUserDataStream{mock: mock, events: make(chan UserDataEvent, userDataBuffer)}
}

func (s *MockUserDataStream) Events() <-chan UserDataEvent { return s.events }

func (s *MockUserDataStream) Connected() bool { return s.connected.Load() }

func (s *MockUserDataStream) LastMessage() time.Time {
	ns := s.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run forwards events until ctx is cancelled
func (s *MockUserDataStream) Run(ctx context.Context) error {
	defer close(s.events)
	s.connected.Store(true)
	defer s.connected.Store(false)

	if !s.forward(ctx, UserDataEvent{Type: UserDataConnected, At: time.Now()}) {
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.mock.Events():
			s.lastMessage.Store(time.Now().UnixNano())
			if !s.forward(ctx, ev) {
				return ctx.Err()
			}
		}
	}
}

func (s *MockUserDataStream) forward(ctx context.Context, ev UserDataEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// tickerStream is the subset of BookTickerStream the feed wraps
type tickerStream interface {
	Run(ctx context.Context) error
	Ticks() <-chan BookTicker
	Connected() bool
	LastMessage() time.Time
}

// MockTickerFeed drives a MockExchange from a real book ticker stream so
// dry runs follow the live market. Each tick moves the mock book and mark
// before it is passed on.
type MockTickerFeed struct {
	inner tickerStream
	mock  *MockExchange
	ticks chan BookTicker
}

// NewMockTickerFeed wraps inner and mirrors its ticks into mock
func NewMockTickerFeed(inner tickerStream, mock *MockExchange) *MockTickerFeed {
	return &MockTickerFeed{inner: inner, mock: mock, ticks: make(chan BookTicker, 1)}
}

func (f *MockTickerFeed) Ticks() <-chan BookTicker { return f.ticks }

func (f *MockTickerFeed) Connected() bool { return f.inner.Connected() }

func (f *MockTickerFeed) LastMessage() time.Time { return f.inner.LastMessage() }

// Run runs the inner stream and forwards its ticks
func (f *MockTickerFeed) Run(ctx context.Context) error {
	defer close(f.ticks)
	errc := make(chan error, 1)
	go func() { errc <- f.inner.Run(ctx) }()

	for {
		select {
		case tick, ok := <-f.inner.Ticks():
			if !ok {
				return <-errc
			}
			f.mock.SetBook(tick.BidPrice, tick.AskPrice)
			f.mock.SetMark(tick.Mid())
			select {
			case f.ticks <- tick:
			default:
				// latest wins
				select {
				case <-f.ticks:
				default:
				}
				f.ticks <- tick
			}
		case <-ctx.Done():
			return <-errc
		}
	}
}

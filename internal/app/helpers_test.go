package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/rental-service/internal/config"
	"github.com/transfa/rental-service/internal/domain"
	"github.com/transfa/rental-service/internal/store"
	"github.com/transfa/rental-service/pkg/provider"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type gatewayStub struct {
	mu           sync.Mutex
	reserveErr   error
	reserveDelay time.Duration
	cancelErr    error
	pollErr      error
	status       provider.Status
	reserves     int
	cancels      []string
	polls        int
	nextID       int
}

func (g *gatewayStub) Name() string { return "stub" }

func (g *gatewayStub) Reserve(ctx context.Context, criteria provider.Criteria) (*provider.Reservation, error) {
	if g.reserveDelay > 0 {
		time.Sleep(g.reserveDelay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reserves++
	if g.reserveErr != nil {
		return nil, g.reserveErr
	}
	g.nextID++
	return &provider.Reservation{
		ExternalID:  fmt.Sprintf("ext-%d", g.nextID),
		PhoneNumber: fmt.Sprintf("+1555000%04d", g.nextID),
		Cost:        decimal.RequireFromString("0.0002"),
		Currency:    "USD",
		Metadata:    map[string]string{"service": criteria.Service},
	}, nil
}

func (g *gatewayStub) Cancel(ctx context.Context, externalID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, externalID)
	return g.cancelErr
}

func (g *gatewayStub) PollStatus(ctx context.Context, externalID string) (*provider.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	if g.pollErr != nil {
		return nil, g.pollErr
	}
	status := g.status
	if status.State == "" {
		status.State = provider.StateWaiting
	}
	return &status, nil
}

func (g *gatewayStub) set(fn func(g *gatewayStub)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *gatewayStub) cancelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cancels)
}

func (g *gatewayStub) reserveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reserves
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.routingKey == routingKey {
			n++
		}
	}
	return n
}

// commitFailingRepo runs the unit of work and then discards it while fail is set.
type commitFailingRepo struct {
	*store.MemoryRepository
	mu   sync.Mutex
	fail bool
}

func (r *commitFailingRepo) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *commitFailingRepo) WithAccountLock(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx store.AccountTx) error) error {
	return r.MemoryRepository.WithAccountLock(ctx, userID, func(ctx context.Context, tx store.AccountTx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.fail {
			return errors.New("injected commit failure")
		}
		return nil
	})
}

// lostAckRepo commits the unit of work and then reports a failure while fail is set,
// as when the connection drops after the database applied the commit.
type lostAckRepo struct {
	*store.MemoryRepository
	mu   sync.Mutex
	fail bool
}

func (r *lostAckRepo) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *lostAckRepo) WithAccountLock(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx store.AccountTx) error) error {
	if err := r.MemoryRepository.WithAccountLock(ctx, userID, fn); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("connection reset during commit")
	}
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	repo        store.Repository
	memory      *store.MemoryRepository
	gateway     *gatewayStub
	publisher   *publisherStub
	clock       *clock
	coordinator *Coordinator
	sweeper     *Sweeper
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPricer(t *testing.T, price int64) *Pricer {
	t.Helper()
	pricer, err := NewPricer(config.Config{
		HomeCurrency:             "NGN",
		USDExchangeRate:          "1600",
		PriceMarginPercent:       "20",
		DefaultServicePriceMinor: price,
	})
	if err != nil {
		t.Fatalf("NewPricer returned error: %v", err)
	}
	return pricer
}

func newFixture(t *testing.T, cfg CoordinatorConfig) *fixture {
	t.Helper()
	memory := store.NewMemoryRepository()
	return newFixtureWithRepo(t, memory, memory, cfg)
}

func newFixtureWithRepo(t *testing.T, repo store.Repository, memory *store.MemoryRepository, cfg CoordinatorConfig) *fixture {
	t.Helper()
	f := &fixture{
		repo:      repo,
		memory:    memory,
		gateway:   &gatewayStub{},
		publisher: &publisherStub{},
		clock:     &clock{now: t0},
	}
	f.coordinator = NewCoordinator(repo, f.gateway, testPricer(t, 400), f.publisher, nil, testLogger(), cfg)
	f.coordinator.SetClock(f.clock.Now)
	f.sweeper = NewSweeper(repo, f.coordinator, nil, time.Minute, testLogger())
	return f
}

func (f *fixture) openFunded(t *testing.T, amount int64) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	ctx := context.Background()
	if _, err := f.coordinator.OpenAccount(ctx, domain.OpenAccountRequest{UserID: userID}); err != nil {
		t.Fatalf("OpenAccount returned error: %v", err)
	}
	if amount > 0 {
		if _, err := f.coordinator.Deposit(ctx, domain.DepositRequest{UserID: userID, Amount: amount, Reference: "seed-" + userID.String()}); err != nil {
			t.Fatalf("Deposit returned error: %v", err)
		}
	}
	return userID
}

func (f *fixture) balance(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	account, err := f.repo.FindAccount(context.Background(), userID)
	if err != nil {
		t.Fatalf("FindAccount returned error: %v", err)
	}
	return account.Balance
}

func (f *fixture) entries(t *testing.T, userID uuid.UUID, entryType domain.EntryType) []domain.LedgerEntry {
	t.Helper()
	all, err := f.repo.ListEntries(context.Background(), userID, 500, 0)
	if err != nil {
		t.Fatalf("ListEntries returned error: %v", err)
	}
	var out []domain.LedgerEntry
	for _, e := range all {
		if e.Type == entryType {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) orders(t *testing.T, userID uuid.UUID) []domain.Order {
	t.Helper()
	orders, err := f.repo.ListOrdersForUser(context.Background(), userID, domain.OrderListFilter{Limit: 100})
	if err != nil {
		t.Fatalf("ListOrdersForUser returned error: %v", err)
	}
	return orders
}

func (f *fixture) assertLedgerConsistent(t *testing.T, userID uuid.UUID) {
	t.Helper()
	audit, err := f.coordinator.Audit(context.Background(), userID)
	if err != nil {
		t.Fatalf("Audit returned error: %v", err)
	}
	if !audit.Consistent {
		t.Fatalf("balance %d does not match entry sum %d", audit.Balance, audit.EntrySum)
	}
}

func (f *fixture) purchase(t *testing.T, userID uuid.UUID) *domain.Order {
	t.Helper()
	order, err := f.coordinator.Purchase(context.Background(), userID, domain.PurchaseRequest{Service: "wa"})
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}
	return order
}

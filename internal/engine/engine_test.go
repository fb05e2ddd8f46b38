package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recurswap/keeperd/internal/custody"
	"github.com/recurswap/keeperd/internal/domain"
	"github.com/recurswap/keeperd/internal/ledger"
	"github.com/recurswap/keeperd/internal/lock"
	"github.com/recurswap/keeperd/internal/ownership"
	"github.com/recurswap/keeperd/internal/pricing"
	"github.com/recurswap/keeperd/internal/routing"
	"github.com/recurswap/keeperd/internal/store/memory"
)

var (
	owner     = common.BytesToAddress([]byte{0xAA})
	keeper    = common.BytesToAddress([]byte{0xAB})
	executor  = common.BytesToAddress([]byte{0xAC})
	collector = common.BytesToAddress([]byte{0xAD})
	usdcAddr  = common.BytesToAddress([]byte{0x01})
	wethAddr  = common.BytesToAddress([]byte{0x02})
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func usdc(n int64) *big.Int { return big.NewInt(n * 1_000_000) }

type stubFeed struct {
	mu     sync.Mutex
	sample domain.PriceSample
	err    error
}

func (f *stubFeed) Latest(ctx context.Context) (domain.PriceSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.PriceSample{}, f.err
	}
	return f.sample, nil
}

func (f *stubFeed) Decimals() uint8 { return 8 }

func (f *stubFeed) set(sample domain.PriceSample) {
	f.mu.Lock()
	f.sample = sample
	f.mu.Unlock()
}

type fakeTwap struct {
	price *big.Int
	err   error
}

func (tw *fakeTwap) TWAP(ctx context.Context, assetIn, assetOut common.Address, window time.Duration) (*big.Int, error) {
	if tw.err != nil {
		return nil, tw.err
	}
	return new(big.Int).Set(tw.price), nil
}

type fakeAdapter struct {
	venue domain.Venue
	out   *big.Int
	err   error

	mu       sync.Mutex
	requests []domain.SwapRequest
	onSwap   func()
}

func (a *fakeAdapter) Venue() domain.Venue { return a.venue }

func (a *fakeAdapter) SwapExactInput(ctx context.Context, req domain.SwapRequest) (*big.Int, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	hook := a.onSwap
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	if a.err != nil {
		return nil, a.err
	}
	return new(big.Int).Set(a.out), nil
}

func (a *fakeAdapter) lastRequest(t *testing.T) domain.SwapRequest {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.requests)
	return a.requests[len(a.requests)-1]
}

type fakeNetwork struct {
	cost domain.NetworkCost
	err  error
}

func (n *fakeNetwork) Estimate(ctx context.Context) (domain.NetworkCost, error) {
	if n.err != nil {
		return domain.NetworkCost{}, n.err
	}
	return n.cost, nil
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string]int
}

func newFakeBus() *fakeBus { return &fakeBus{published: make(map[string]int)} }

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel]++
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error { return nil }

func (b *fakeBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store     *memory.PositionStore
	events    *memory.EventStore
	bus       *fakeBus
	locks     *lock.Local
	custodian *custody.Memory
	prices    *pricing.Service
	routes    *routing.Registry
	led       *ledger.Ledger
	eng       *Engine

	quoteFeed *stubFeed
	baseFeed  *stubFeed
	twap      *fakeTwap
	uni       *fakeAdapter
	cow       *fakeAdapter
	network   *fakeNetwork

	base  time.Time
	start time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	base := time.Now()
	fresh := base.Add(time.Hour)

	fx := &fixture{
		store:     memory.NewPositionStore(),
		events:    memory.NewEventStore(),
		bus:       newFakeBus(),
		locks:     lock.NewLocal(),
		custodian: custody.NewMemory(common.BytesToAddress([]byte{0xFE})),
		routes:    routing.NewRegistry(),
		twap:      &fakeTwap{price: e18(2000)},
		network:   &fakeNetwork{},
		base:      base,
		start:     base.Add(30 * time.Minute),
	}

	// $1 USDC and $2000 WETH at 8 feed decimals, timestamped ahead of the
	// engine clock so the freshness guard passes by default.
	fx.quoteFeed = &stubFeed{sample: domain.PriceSample{Price: big.NewInt(100_000_000), Decimals: 8, UpdatedAt: fresh}}
	fx.baseFeed = &stubFeed{sample: domain.PriceSample{Price: new(big.Int).Mul(big.NewInt(2000), big.NewInt(100_000_000)), Decimals: 8, UpdatedAt: fresh}}

	fx.prices = pricing.NewService(fx.twap, nil, testLogger())
	require.NoError(t, fx.prices.RegisterFeed(usdcAddr, fx.quoteFeed))
	require.NoError(t, fx.prices.RegisterFeed(wethAddr, fx.baseFeed))

	protocol := domain.ProtocolConfig{
		FeeTiers: []domain.FeeTier{
			{MaxNotionalUSD: e18(1_000), Bps: 30},
			{MaxNotionalUSD: e18(10_000), Bps: 20},
			{MaxNotionalUSD: nil, Bps: 10},
		},
		FeeCollector:      collector,
		PublicGracePeriod: 15 * time.Minute,
		PublicTipBps:      1000,
	}

	token := ownership.NewRegistry()
	fx.led = ledger.New(fx.store, fx.events, fx.bus, fx.locks, token, fx.custodian,
		fx.prices, protocol, domain.BreakerState{}, testLogger())
	token.Bind(fx.led)
	fx.led.AllowQuoteAsset(context.Background(), usdcAddr)

	fx.uni = &fakeAdapter{venue: domain.VenueUniswapV3, out: big.NewInt(50_000_000_000_000_000)} // 0.05 WETH
	fx.cow = &fakeAdapter{venue: domain.VenueCowProtocol, out: big.NewInt(50_000_000_000_000_000)}
	require.NoError(t, fx.routes.AddAdapter(domain.VenueUniswapV3, fx.uni))
	require.NoError(t, fx.routes.AddAdapter(domain.VenueCowProtocol, fx.cow))

	fx.eng = New(fx.led, fx.prices, fx.routes, fx.locks, fx.custodian, fx.network,
		fx.events, fx.bus, testLogger())
	// One hour past creation: past the start and past the public grace.
	fx.eng.now = func() time.Time { return fx.base.Add(time.Hour) }
	return fx
}

func (fx *fixture) params() ledger.CreateParams {
	return ledger.CreateParams{
		Owner:           owner,
		Beneficiary:     owner,
		QuoteAsset:      usdcAddr,
		BaseAsset:       wethAddr,
		QuoteDecimals:   6,
		BaseDecimals:    18,
		Direction:       domain.DirectionBuy,
		AmountPerPeriod: usdc(100),
		Frequency:       domain.FrequencyDaily,
		StartAt:         fx.start,
		SlippageBps:     100,
		TwapWindow:      time.Hour,
	}
}

// create registers a position and funds its spend side with enough escrow for
// several periods, mirroring the deposit into custody.
func (fx *fixture) create(t *testing.T, mutate func(*ledger.CreateParams)) domain.Position {
	t.Helper()
	ctx := context.Background()

	params := fx.params()
	if mutate != nil {
		mutate(&params)
	}
	pos, err := fx.led.Create(ctx, owner, params)
	require.NoError(t, err)

	spend := pos.SpendAsset()
	amount := new(big.Int).Mul(params.AmountPerPeriod, big.NewInt(10))
	fx.custodian.Credit(spend, amount)
	_, err = fx.led.Deposit(ctx, owner, pos.ID, spend, amount)
	require.NoError(t, err)
	return pos
}

func TestAttemptExecutionSettles(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, nil)
	ctx := context.Background()

	out, err := fx.eng.AttemptExecution(ctx, pos.ID, keeper, false)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecStatusExecuted, out.Status)
	assert.Equal(t, domain.VenueUniswapV3, out.Venue)
	assert.Equal(t, usdc(100), out.AmountIn)
	assert.Equal(t, "50000000000000000", out.AmountOut.String())
	assert.Equal(t, e18(100), out.NotionalUSD)

	// $100 notional lands in the 30 bps tier: 0.3 USDC protocol fee.
	assert.Equal(t, uint32(30), out.Fees.TierBps)
	assert.Equal(t, "300000", out.Fees.ProtocolFee.String())
	assert.Zero(t, out.Fees.ExecutionFee.Sign())
	assert.Zero(t, out.Fees.CallerTip.Sign())

	req := fx.uni.lastRequest(t)
	assert.Equal(t, usdcAddr, req.AssetIn)
	assert.Equal(t, wethAddr, req.AssetOut)
	// 0.05 WETH expected minus 1% slippage tolerance.
	assert.Equal(t, "49500000000000000", req.MinAmountOut.String())
	assert.Equal(t, fx.custodian.Address(), req.Recipient)

	got, err := fx.led.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, "899700000", got.QuoteBalance.String()) // 1000 - 100 - 0.3 USDC
	assert.Equal(t, "50000000000000000", got.BaseBalance.String())
	assert.Equal(t, uint64(1), got.PeriodsExecuted)
	assert.Equal(t, pos.ExecNonce+1, got.ExecNonce)
	// Overdue positions reschedule from execution time, not from the missed
	// slot.
	assert.Equal(t, fx.eng.now().Add(24*time.Hour), got.NextExecAt)

	// The protocol fee moved from custody to the collector.
	bal, err := fx.custodian.Balance(ctx, usdcAddr)
	require.NoError(t, err)
	assert.Equal(t, "999700000", bal.String())
}

func TestEligibilityPrivateFailsHard(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, nil)
	ctx := context.Background()

	_, err := fx.led.Pause(ctx, owner, pos.ID)
	require.NoError(t, err)

	out, err := fx.eng.AttemptExecution(ctx, pos.ID, keeper, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStateConflict)
	assert.Equal(t, domain.ExecStatusFailed, out.Status)
}

func TestEligibilitySkipsForPublicCaller(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	t.Run("global pause", func(t *testing.T) {
		pos := fx.create(t, nil)
		fx.led.SetGlobalPause(ctx, true)
		defer fx.led.SetGlobalPause(ctx, false)

		out, err := fx.eng.AttemptExecution(ctx, pos.ID, executor, true)
		require.NoError(t, err)
		assert.Equal(t, domain.ExecStatusSkipped, out.Status)
		assert.Equal(t, domain.SkipGlobalPause, out.SkipReason)
	})

	t.Run("paused position", func(t *testing.T) {
		pos := fx.create(t, nil)
		_, err := fx.led.Pause(ctx, owner, pos.ID)
		require.NoError(t, err)

		out, err := fx.eng.AttemptExecution(ctx, pos.ID, executor, true)
		require.NoError(t, err)
		assert.Equal(t, domain.SkipPaused, out.SkipReason)
	})

	t.Run("expired", func(t *testing.T) {
		pos := fx.create(t, func(p *ledger.CreateParams) {
			p.EndAt = fx.start.Add(time.Minute)
		})

		out, err := fx.eng.AttemptExecution(ctx, pos.ID, executor, true)
		require.NoError(t, err)
		assert.Equal(t, domain.SkipExpired, out.SkipReason)
	})

	t.Run("not due", func(t *testing.T) {
		pos := fx.create(t, func(p *ledger.CreateParams) {
			p.StartAt = fx.base.Add(48 * time.Hour)
		})

		out, err := fx.eng.AttemptExecution(ctx, pos.ID, executor, true)
		require.NoError(t, err)
		assert.Equal(t, domain.SkipNotDue, out.SkipReason)
	})

	t.Run("insufficient escrow", func(t *testing.T) {
		params := fx.params()
		pos, err := fx.led.Create(ctx, owner, params)
		require.NoError(t, err)

		out, err := fx.eng.AttemptExecution(ctx, pos.ID, executor, true)
		require.NoError(t, err)
		assert.Equal(t, domain.SkipInsufficientFund, out.SkipReason)
	})

	t.Run("unknown position", func(t *testing.T) {
		out, err := fx.eng.AttemptExecution(ctx, 9999, executor, true)
		require.NoError(t, err)
		assert.Equal(t, domain.SkipNotFound, out.SkipReason)
	})
}

func TestPublicGraceAndTip(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, nil)
	ctx := context.Background()

	// Due but within the grace window: public callers must wait.
	fx.eng.now = func() time.Time { return fx.start.Add(10 * time.Minute) }
	out, err := fx.eng.AttemptExecution(ctx, pos.ID, executor, true)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecStatusSkipped, out.Status)
	assert.Equal(t, domain.SkipPublicGrace, out.SkipReason)

	// Past the grace the public caller executes and earns 10% of the
	// protocol fee.
	fx.eng.now = func() time.Time { return fx.start.Add(20 * time.Minute) }
	out, err = fx.eng.AttemptExecution(ctx, pos.ID, executor, true)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecStatusExecuted, out.Status)
	assert.Equal(t, "300000", out.Fees.ProtocolFee.String())
	assert.Equal(t, "30000", out.Fees.CallerTip.String())
}

func TestOracleStaleLeavesScheduleUntouched(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, nil)
	ctx := context.Background()

	fx.baseFeed.set(domain.PriceSample{
		Price:     new(big.Int).Mul(big.NewInt(2000), big.NewInt(100_000_000)),
		Decimals:  8,
		UpdatedAt: fx.base.Add(-2 * time.Hour),
	})

	out, err := fx.eng.AttemptExecution(ctx, pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecStatusSkipped, out.Status)
	assert.Equal(t, domain.SkipOracleStale, out.SkipReason)

	got, err := fx.led.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos.NextExecAt, got.NextExecAt)
	assert.Equal(t, pos.ExecNonce, got.ExecNonce)
	assert.Zero(t, got.PeriodsExecuted)
}

func TestTwapWindowBelowMinimum(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, func(p *ledger.CreateParams) {
		p.TwapWindow = time.Minute
	})

	out, err := fx.eng.AttemptExecution(context.Background(), pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipTwapWindow, out.SkipReason)
}

func TestPriceDeviationGuard(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, func(p *ledger.CreateParams) {
		p.MaxDeviationBps = 50
	})
	ctx := context.Background()

	// Spot $2000 vs TWAP $2100 is ~476 bps, above the 50 bps limit.
	fx.twap.price = e18(2100)
	out, err := fx.eng.AttemptExecution(ctx, pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipPriceDeviation, out.SkipReason)

	// A TWAP source failure disables damping rather than blocking.
	fx.twap.err = errors.New("no pool registered")
	out, err = fx.eng.AttemptExecution(ctx, pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecStatusExecuted, out.Status)
}

func TestBreakerTightensDeviationLimit(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, nil) // no per-position deviation limit
	ctx := context.Background()

	breaker := fx.led.Breaker()
	breaker.MaxPriceMoveBps = 100
	fx.led.SetBreaker(ctx, breaker)

	fx.twap.price = e18(2100)
	out, err := fx.eng.AttemptExecution(ctx, pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipPriceDeviation, out.SkipReason)
}

func TestNetworkCostGuard(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, func(p *ledger.CreateParams) {
		p.MaxBaseFeeWei = big.NewInt(50_000_000_000) // 50 gwei
	})

	fx.network.cost = domain.NetworkCost{BaseFeeWei: big.NewInt(80_000_000_000)}
	out, err := fx.eng.AttemptExecution(context.Background(), pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipNetworkCost, out.SkipReason)

	fx.network.cost = domain.NetworkCost{BaseFeeWei: big.NewInt(20_000_000_000)}
	out, err = fx.eng.AttemptExecution(context.Background(), pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecStatusExecuted, out.Status)
}

func TestPriceCapBlocksBuy(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, func(p *ledger.CreateParams) {
		p.PriceCap = e18(1500)
	})

	out, err := fx.eng.AttemptExecution(context.Background(), pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipPriceAboveCap, out.SkipReason)
}

func TestPriceFloorBlocksSell(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, func(p *ledger.CreateParams) {
		p.Direction = domain.DirectionSell
		p.AmountPerPeriod = big.NewInt(100_000_000_000_000_000) // 0.1 WETH
		p.PriceFloor = e18(2500)
	})

	out, err := fx.eng.AttemptExecution(context.Background(), pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipPriceBelowFloor, out.SkipReason)
}

func TestDepegGuard(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, nil)

	// $0.97 is 300 bps off the peg, beyond the 100 bps tolerance.
	fx.quoteFeed.set(domain.PriceSample{
		Price:     big.NewInt(97_000_000),
		Decimals:  8,
		UpdatedAt: fx.base.Add(time.Hour),
	})

	out, err := fx.eng.AttemptExecution(context.Background(), pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipDepegged, out.SkipReason)
}

func TestDailyVolumeCap(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, nil)
	ctx := context.Background()

	breaker := fx.led.Breaker()
	breaker.DailyVolumeCapUSD = e18(50)
	fx.led.SetBreaker(ctx, breaker)

	out, err := fx.eng.AttemptExecution(ctx, pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipDailyVolumeCap, out.SkipReason)
}

func TestInsufficientEscrowForFees(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Exactly one period of escrow passes eligibility but cannot cover the
	// protocol fee on top.
	pos, err := fx.led.Create(ctx, owner, fx.params())
	require.NoError(t, err)
	fx.custodian.Credit(usdcAddr, usdc(100))
	_, err = fx.led.Deposit(ctx, owner, pos.ID, usdcAddr, usdc(100))
	require.NoError(t, err)

	out, err := fx.eng.AttemptExecution(ctx, pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipInsufficientFund, out.SkipReason)
}

func TestAutoRoutePrefersCowForSize(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, func(p *ledger.CreateParams) {
		p.AmountPerPeriod = usdc(20_000)
	})
	fx.cow.out = e18(10) // 10 WETH

	out, err := fx.eng.AttemptExecution(context.Background(), pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecStatusExecuted, out.Status)
	assert.Equal(t, domain.VenueCowProtocol, out.Venue)
	// $20k notional lands in the open-ended 10 bps tier.
	assert.Equal(t, uint32(10), out.Fees.TierBps)
	fx.cow.lastRequest(t)
}

func TestExplicitVenueOverridesAutoRoute(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, func(p *ledger.CreateParams) {
		p.AmountPerPeriod = usdc(20_000)
		p.Venue = domain.VenueUniswapV3
	})
	fx.uni.out = e18(10)

	out, err := fx.eng.AttemptExecution(context.Background(), pos.ID, keeper, false)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueUniswapV3, out.Venue)
}

func TestMissingAdapterIsConfigurationError(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, func(p *ledger.CreateParams) {
		p.Venue = domain.VenueOneInch
	})

	out, err := fx.eng.AttemptExecution(context.Background(), pos.ID, keeper, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAdapterMissing)
	assert.Equal(t, domain.ExecStatusFailed, out.Status)
}

func TestSwapFailureDoesNotCommit(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, nil)
	ctx := context.Background()

	fx.uni.err = errors.New("router reverted")
	out, err := fx.eng.AttemptExecution(ctx, pos.ID, keeper, false)
	require.Error(t, err)
	assert.Equal(t, domain.ExecStatusFailed, out.Status)

	got, err := fx.led.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos.ExecNonce, got.ExecNonce)
	assert.Equal(t, usdc(1000), got.QuoteBalance)
}

func TestNonceRaceAbortsSettlement(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, nil)
	ctx := context.Background()

	// A concurrent writer bumps the stored nonce while the trade call is in
	// flight; the commit must abort without touching balances or paying fees.
	fx.uni.onSwap = func() {
		stored, err := fx.store.Get(ctx, pos.ID)
		require.NoError(t, err)
		stored.ExecNonce++
		require.NoError(t, fx.store.Update(ctx, stored))
	}

	out, err := fx.eng.AttemptExecution(ctx, pos.ID, keeper, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNonceMismatch)
	assert.Equal(t, domain.ExecStatusFailed, out.Status)

	got, err := fx.led.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, usdc(1000), got.QuoteBalance)
	assert.Zero(t, got.PeriodsExecuted)

	// No fee left custody.
	bal, err := fx.custodian.Balance(ctx, usdcAddr)
	require.NoError(t, err)
	assert.Equal(t, usdc(1000), bal)
}

func TestLockContentionFailsFast(t *testing.T) {
	fx := newFixture(t)
	pos := fx.create(t, nil)
	ctx := context.Background()

	release, err := fx.locks.Acquire(ctx, ledger.ExecLockKey(pos.ID), time.Minute)
	require.NoError(t, err)
	defer release()

	out, err := fx.eng.AttemptExecution(ctx, pos.ID, keeper, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Equal(t, domain.ExecStatusFailed, out.Status)
}

func TestCheckEligibility(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pos := fx.create(t, nil)
	ok, reason, err := fx.eng.CheckEligibility(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)

	future := fx.create(t, func(p *ledger.CreateParams) {
		p.StartAt = fx.base.Add(48 * time.Hour)
	})
	ok, reason, err = fx.eng.CheckEligibility(ctx, future.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.SkipNotDue, reason)

	ok, reason, err = fx.eng.CheckEligibility(ctx, 9999)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.SkipNotFound, reason)
}

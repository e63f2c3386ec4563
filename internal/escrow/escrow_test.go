package escrow

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/ledger"
	"CrossChain-Escrow/internal/observability/alerting"
	"CrossChain-Escrow/internal/swap"
)

const deployedAt swap.Timestamp = 1_700_000_000

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingObserver) ObserveTransition(operation, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[operation+"/"+outcome]++
}

func scenarioImmutables() swap.EscrowImmutables {
	order := swap.CrossChainOrder{
		Maker:        "maker.near",
		MakingAmount: swap.NewAmount(100),
		TakingAmount: swap.NewAmount(100),
		MakerAsset:   "wrap.near",
		TakerAsset:   "usdc.eth",
		SrcChainID:   1,
		DstChainID:   1313161554,
	}
	timeLocks := swap.TimeLocks{
		SrcWithdrawal: 3600, SrcPublicWithdrawal: 5400, SrcCancellation: 7200, SrcPublicCancellation: 9000,
		DstWithdrawal: 1800, DstPublicWithdrawal: 2700, DstCancellation: 3600,
	}
	return swap.NewEscrowImmutables(order, timeLocks, "taker.near", swap.NewAmount(100))
}

type fixture struct {
	ledger   *ledger.Memory
	host     *Host
	alerts   *recordingAlerts
	observer *countingObserver
	leg      *Escrow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		ledger:   ledger.NewMemory(deployedAt),
		alerts:   &recordingAlerts{},
		observer: &countingObserver{},
	}
	f.host = NewHost(f.ledger, NewMemoryStore(), WithAlertDispatcher(f.alerts), WithTransitionObserver(f.observer))
	address, err := f.host.InstantiateContract(ctx, ledger.InstantiateRequest{
		RequestID:  "req-0",
		Address:    "escrow_0.factory.near",
		Immutables: scenarioImmutables(),
		SecretHash: swap.HashSecret("s"),
		Funding:    swap.NewAmount(101),
	})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	f.leg, err = f.host.Leg(ctx, address)
	if err != nil {
		t.Fatalf("leg: %v", err)
	}
	return f
}

func (f *fixture) at(offset uint64) {
	f.ledger.SetTime(deployedAt + swap.Timestamp(offset))
}

func TestScenarioWithdrawAfterWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.at(1000)
	if err := f.leg.Withdraw(ctx, "s"); !stdErrors.Is(err, swap.ErrTimelockNotElapsed) {
		t.Fatalf("expected TimelockNotElapsed, got %v", err)
	}
	state, _ := f.leg.State(ctx)
	if state.Status() != swap.StatusActive || state.Payout != nil {
		t.Fatalf("rejected call mutated state: %+v", state)
	}

	f.at(3700)
	if err := f.leg.Withdraw(ctx, "s"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	state, _ = f.leg.State(ctx)
	if state.Status() != swap.StatusWithdrawn || state.RevealedSecret != "s" {
		t.Fatalf("unexpected state %+v", state)
	}
	transfers := f.ledger.Transfers()
	if len(transfers) != 1 || transfers[0].To != "taker.near" || transfers[0].Amount.Cmp(swap.NewAmount(100)) != 0 {
		t.Fatalf("expected exactly one transfer of 100 to taker, got %+v", transfers)
	}
	if f.observer.counts["withdraw/ok"] != 1 || f.observer.counts["withdraw/TIMELOCK_NOT_ELAPSED"] != 1 {
		t.Fatalf("unexpected observations %v", f.observer.counts)
	}
}

func TestScenarioCancelAfterWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.at(7300)
	if err := f.leg.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	state, _ := f.leg.State(ctx)
	if state.Status() != swap.StatusCancelled || state.Payout.Kind != swap.PayoutRefund {
		t.Fatalf("unexpected state %+v", state)
	}
	transfers := f.ledger.Transfers()
	if len(transfers) != 1 || transfers[0].To != "maker.near" || transfers[0].Amount.Cmp(swap.NewAmount(100)) != 0 {
		t.Fatalf("expected exactly one refund of 100 to maker, got %+v", transfers)
	}

	for _, offset := range []uint64{0, 3700, 7300, 1 << 40} {
		f.at(offset)
		if err := f.leg.Withdraw(ctx, "s"); !stdErrors.Is(err, swap.ErrAlreadyCancelled) {
			t.Fatalf("withdraw at +%d: expected AlreadyCancelled, got %v", offset, err)
		}
	}
	if len(f.ledger.Transfers()) != 1 {
		t.Fatalf("terminal leg issued another transfer")
	}
}

func TestTimelockBoundaries(t *testing.T) {
	cases := []struct {
		name   string
		offset uint64
		cancel bool
		want   error
	}{
		{name: "withdraw at deployment", offset: 0, want: swap.ErrTimelockNotElapsed},
		{name: "withdraw one second early", offset: 3599, want: swap.ErrTimelockNotElapsed},
		{name: "withdraw exactly at opening", offset: 3600},
		{name: "withdraw inside cancellation window", offset: 8000},
		{name: "cancel one second early", offset: 7199, cancel: true, want: swap.ErrTimelockNotElapsed},
		{name: "cancel exactly at opening", offset: 7200, cancel: true},
		{name: "cancel long after", offset: 1 << 32, cancel: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.at(tc.offset)
			var err error
			if tc.cancel {
				err = f.leg.Cancel(ctx)
			} else {
				err = f.leg.Withdraw(ctx, "s")
			}
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !stdErrors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestWithdrawRejectsBadSecret(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.at(3600)

	for _, secret := range []string{"", "not-the-secret"} {
		if err := f.leg.Withdraw(ctx, secret); !stdErrors.Is(err, swap.ErrInvalidSecret) {
			t.Fatalf("secret %q: expected InvalidSecret, got %v", secret, err)
		}
	}
	state, _ := f.leg.State(ctx)
	if state.IsTerminal() || len(f.ledger.Transfers()) != 0 {
		t.Fatalf("bad secret mutated the leg")
	}
}

func TestTerminalLegRejectsEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.at(3600)
	if err := f.leg.Withdraw(ctx, "s"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	f.at(9999)
	if err := f.leg.Withdraw(ctx, "s"); !stdErrors.Is(err, swap.ErrAlreadyWithdrawn) {
		t.Fatalf("expected AlreadyWithdrawn, got %v", err)
	}
	if err := f.leg.Cancel(ctx); !stdErrors.Is(err, swap.ErrAlreadyWithdrawn) {
		t.Fatalf("expected AlreadyWithdrawn, got %v", err)
	}
	if len(f.ledger.Transfers()) != 1 {
		t.Fatalf("expected a single transfer")
	}
}

func TestConcurrentCallsTransferOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.at(8000)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				errs <- f.leg.Withdraw(ctx, "s")
				return
			}
			errs <- f.leg.Cancel(ctx)
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case stdErrors.Is(err, swap.ErrAlreadyWithdrawn), stdErrors.Is(err, swap.ErrAlreadyCancelled):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 || len(f.ledger.Transfers()) != 1 {
		t.Fatalf("expected one winner and one transfer, got %d and %d", succeeded, len(f.ledger.Transfers()))
	}
}

func TestPayoutFailureKeepsLegTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.at(3600)
	f.ledger.FailNextTransfer(stdErrors.New("rpc unavailable"))

	err := f.leg.Withdraw(ctx, "s")
	if !stdErrors.Is(err, swap.ErrTransferFailed) {
		t.Fatalf("expected TransferFailed, got %v", err)
	}
	state, _ := f.leg.State(ctx)
	if !state.IsWithdrawn || state.Payout == nil || state.Payout.Error == "" {
		t.Fatalf("payout failure not recorded: %+v", state)
	}
	if len(f.alerts.events) != 1 || f.alerts.events[0].Address != "escrow_0.factory.near" {
		t.Fatalf("expected one alert, got %+v", f.alerts.events)
	}
	if err := f.leg.Withdraw(ctx, "s"); !stdErrors.Is(err, swap.ErrAlreadyWithdrawn) {
		t.Fatalf("retry must not re-enter the transition: %v", err)
	}
	if len(f.ledger.Transfers()) != 0 {
		t.Fatalf("no transfer must have been journaled")
	}
}

func TestInstantiateIsIdempotentAndValidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.at(500)
	again := scenarioImmutables()
	again.Taker = "someone-else.near"
	address, err := f.host.InstantiateContract(ctx, ledger.InstantiateRequest{
		Address:    "escrow_0.factory.near",
		Immutables: again,
		SecretHash: swap.HashSecret("s"),
	})
	if err != nil || address != "escrow_0.factory.near" {
		t.Fatalf("repeat instantiate: %q %v", address, err)
	}
	im, _ := f.leg.Immutables(ctx)
	if im.Taker != "taker.near" || im.DeployedAt != deployedAt {
		t.Fatalf("repeat instantiate touched the leg: %+v", im)
	}

	bad := scenarioImmutables()
	bad.Amount = swap.NewAmount(0)
	if _, err := f.host.InstantiateContract(ctx, ledger.InstantiateRequest{Address: "escrow_1", Immutables: bad, SecretHash: swap.HashSecret("s")}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("zero amount accepted: %v", err)
	}
	if _, err := f.host.InstantiateContract(ctx, ledger.InstantiateRequest{Address: "escrow_1", Immutables: scenarioImmutables()}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("missing secret hash accepted: %v", err)
	}
	if _, err := f.host.Leg(ctx, "escrow_1"); !stdErrors.Is(err, swap.ErrEscrowNotFound) {
		t.Fatalf("rejected leg was created: %v", err)
	}

	preset := scenarioImmutables().WithDeployedAt(42)
	if _, err := f.host.InstantiateContract(ctx, ledger.InstantiateRequest{Address: "escrow_2", Immutables: preset, SecretHash: swap.HashSecret("s")}); err != nil {
		t.Fatalf("instantiate preset: %v", err)
	}
	leg, _ := f.host.Leg(ctx, "escrow_2")
	if im, _ := leg.Immutables(ctx); im.DeployedAt != 42 {
		t.Fatalf("stamped deployed_at must be kept, got %d", im.DeployedAt)
	}
}

func TestPublicWindowReportsSchedule(t *testing.T) {
	state := swap.NewEscrowState(scenarioImmutables().WithDeployedAt(deployedAt), swap.HashSecret("s"))
	cases := map[uint64]Window{
		0:    WindowGrace,
		3600: WindowPrivateWithdrawal,
		5400: WindowPublicWithdrawal,
		7200: WindowPrivateCancellation,
		9000: WindowPublicCancellation,
	}
	for offset, want := range cases {
		if got := PublicWindow(state, deployedAt+swap.Timestamp(offset)); got != want {
			t.Fatalf("+%d: expected %s, got %s", offset, want, got)
		}
	}
	state.IsCancelled = true
	if PublicWindow(state, deployedAt) != WindowClosed {
		t.Fatalf("terminal leg must report closed")
	}
}

var (
	_ Locker = (*LocalLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	unlock, err := locker.Lock(context.Background(), "escrow_0")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, "escrow_0"); !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	other, err := locker.Lock(context.Background(), "escrow_1")
	if err != nil {
		t.Fatalf("other keys must not block: %v", err)
	}
	other()

	unlock()
	unlock()
	again, err := locker.Lock(context.Background(), "escrow_0")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
	if len(locker.slots) != 0 {
		t.Fatalf("slots leaked: %d", len(locker.slots))
	}
}

package factory

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/escrow"
	"CrossChain-Escrow/internal/ledger"
	"CrossChain-Escrow/internal/swap"
)

const (
	owner   swap.Principal = "owner.near"
	account swap.Principal = "factory.owner.near"
)

type flakyInstantiator struct {
	mu       sync.Mutex
	failures int
	err      error
	next     ledger.Instantiator
	calls    []ledger.InstantiateRequest
}

func (f *flakyInstantiator) InstantiateContract(ctx context.Context, req ledger.InstantiateRequest) (swap.Principal, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return "", f.err
	}
	f.mu.Unlock()
	return f.next.InstantiateContract(ctx, req)
}

type recordingSink struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingSink) Publish(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return nil
}

type harness struct {
	ledger  *ledger.Memory
	host    *escrow.Host
	inst    *flakyInstantiator
	sink    *recordingSink
	factory *Factory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{ledger: ledger.NewMemory(1_700_000_000), sink: &recordingSink{}}
	h.host = escrow.NewHost(h.ledger, escrow.NewMemoryStore())
	h.inst = &flakyInstantiator{next: h.host, err: xerrors.New(xerrors.CodeLedgerFailure, "host unreachable")}
	f, err := New(Config{Owner: owner, Account: account}, h.ledger, h.inst, NewMemoryRegistry(), WithPendingSink(h.sink))
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	h.factory = f
	return h
}

func asOwner() context.Context {
	return ledger.WithCaller(context.Background(), owner)
}

func testOrder() (swap.CrossChainOrder, swap.TimeLocks) {
	order := swap.CrossChainOrder{
		Maker:        "maker.near",
		MakingAmount: swap.NewAmount(100),
		TakingAmount: swap.NewAmount(100),
		SrcChainID:   1,
		DstChainID:   1313161554,
	}
	return order, swap.TimeLocks{SrcWithdrawal: 3600, SrcPublicWithdrawal: 3600, SrcCancellation: 7200, SrcPublicCancellation: 7200}
}

func TestNonOwnerCannotCreate(t *testing.T) {
	h := newHarness(t)
	order, tl := testOrder()

	for _, ctx := range []context.Context{
		context.Background(),
		ledger.WithCaller(context.Background(), "mallory.near"),
	} {
		_, err := h.factory.CreateSrcEscrow(ctx, order, tl, "taker.near", swap.NewAmount(100), swap.HashSecret("s"))
		if !stdErrors.Is(err, swap.ErrUnauthorized) {
			t.Fatalf("expected Unauthorized, got %v", err)
		}
		_, err = h.factory.CreateDstEscrow(ctx, swap.NewEscrowImmutables(order, tl, "taker.near", swap.NewAmount(100)), swap.HashSecret("s"))
		if !stdErrors.Is(err, swap.ErrUnauthorized) {
			t.Fatalf("expected Unauthorized, got %v", err)
		}
	}
	counter, err := h.factory.GetEscrowCounter(context.Background())
	if err != nil || counter != 0 {
		t.Fatalf("counter moved: %d (%v)", counter, err)
	}
	if _, ok, _ := h.factory.GetEscrow(context.Background(), 0); ok {
		t.Fatalf("registry mutated by rejected call")
	}
	if len(h.inst.calls) != 0 {
		t.Fatalf("instantiator reached by rejected call")
	}
}

func TestIDsAreStrictlyIncreasing(t *testing.T) {
	h := newHarness(t)
	order, tl := testOrder()

	var last swap.EscrowID
	for i := 0; i < 5; i++ {
		id, err := h.factory.CreateSrcEscrow(asOwner(), order, tl, "taker.near", swap.NewAmount(100), swap.HashSecret("s"))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if i > 0 && id <= last {
			t.Fatalf("id %d not greater than %d", id, last)
		}
		last = id
	}
	counter, _ := h.factory.GetEscrowCounter(context.Background())
	if counter != 5 {
		t.Fatalf("unexpected counter %d", counter)
	}
	rec, _ := h.factory.GetRecord(context.Background(), 4)
	if rec.Address != "escrow_4.factory.owner.near" || rec.Status != StatusConfirmed {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestConcurrentCreatesNeverCollide(t *testing.T) {
	h := newHarness(t)
	order, tl := testOrder()

	const n = 40
	ids := make(chan swap.EscrowID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.factory.CreateSrcEscrow(asOwner(), order, tl, "taker.near", swap.NewAmount(1), swap.HashSecret("s"))
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[swap.EscrowID]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d ids, got %d", n, len(seen))
	}
}

func TestSrcKeepsSentinelDstIsStamped(t *testing.T) {
	h := newHarness(t)
	order, tl := testOrder()
	ctx := ledger.WithAttachedDeposit(asOwner(), swap.NewAmount(7))

	srcID, err := h.factory.CreateSrcEscrow(ctx, order, tl, "taker.near", swap.NewAmount(100), swap.HashSecret("s"))
	if err != nil {
		t.Fatalf("create src: %v", err)
	}
	im, ok, err := h.factory.GetEscrow(ctx, srcID)
	if err != nil || !ok || im.DeployedAt != 0 {
		t.Fatalf("src registry entry must keep the zero sentinel: %+v %v %v", im, ok, err)
	}
	leg, err := h.host.Leg(ctx, LegAddress(srcID, account))
	if err != nil {
		t.Fatalf("src leg: %v", err)
	}
	live, _ := leg.Immutables(ctx)
	if live.DeployedAt != 1_700_000_000 {
		t.Fatalf("src leg must be stamped at instantiation, got %d", live.DeployedAt)
	}
	if h.inst.calls[0].Funding.Cmp(swap.NewAmount(107)) != 0 {
		t.Fatalf("funding must include the attached deposit, got %s", h.inst.calls[0].Funding)
	}

	h.ledger.SetTime(1_700_000_500)
	supplied := swap.NewEscrowImmutables(order, tl, "taker.near", swap.NewAmount(100)).WithDeployedAt(12345)
	dstID, err := h.factory.CreateDstEscrow(asOwner(), supplied, swap.HashSecret("s"))
	if err != nil {
		t.Fatalf("create dst: %v", err)
	}
	im, _, _ = h.factory.GetEscrow(ctx, dstID)
	if im.DeployedAt != 1_700_000_500 {
		t.Fatalf("dst deployed_at must be overwritten with now, got %d", im.DeployedAt)
	}
	rec, _ := h.factory.GetRecord(ctx, dstID)
	if rec.Side != SideDst {
		t.Fatalf("unexpected side %s", rec.Side)
	}
}

func TestRejectsInvalidTerms(t *testing.T) {
	h := newHarness(t)
	order, tl := testOrder()

	cases := map[string]func() error{
		"zero amount": func() error {
			_, err := h.factory.CreateSrcEscrow(asOwner(), order, tl, "taker.near", swap.NewAmount(0), swap.HashSecret("s"))
			return err
		},
		"missing secret hash": func() error {
			_, err := h.factory.CreateSrcEscrow(asOwner(), order, tl, "taker.near", swap.NewAmount(1), "")
			return err
		},
		"inverted time locks": func() error {
			bad := tl
			bad.SrcCancellation = 10
			_, err := h.factory.CreateSrcEscrow(asOwner(), order, bad, "taker.near", swap.NewAmount(1), swap.HashSecret("s"))
			return err
		},
	}
	for name, call := range cases {
		if err := call(); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("%s: expected invalid argument, got %v", name, err)
		}
	}
	if counter, _ := h.factory.GetEscrowCounter(context.Background()); counter != 0 {
		t.Fatalf("invalid terms allocated ids: %d", counter)
	}
}

func TestFailedInstantiationIsReconciled(t *testing.T) {
	h := newHarness(t)
	h.inst.failures = 2
	order, tl := testOrder()
	ctx := asOwner()

	id, err := h.factory.CreateSrcEscrow(ctx, order, tl, "taker.near", swap.NewAmount(100), swap.HashSecret("s"))
	if err != nil {
		t.Fatalf("create must return the id even when instantiation fails: %v", err)
	}
	rec, _ := h.factory.GetRecord(ctx, id)
	if rec.Status != StatusPending || rec.Attempts != 1 || rec.LastError == "" {
		t.Fatalf("unexpected pending record %+v", rec)
	}
	if len(h.sink.ids) != 1 || h.sink.ids[0] != id.String() {
		t.Fatalf("pending id not queued: %v", h.sink.ids)
	}
	pending, _ := h.factory.ListPending(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("expected one pending record, got %d", len(pending))
	}

	if _, err := h.factory.Reconcile(ctx, id); !stdErrors.Is(err, swap.ErrInstantiationFailed) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable instantiation failure, got %v", err)
	}
	rec, err = h.factory.Reconcile(ctx, id)
	if err != nil || rec.Status != StatusConfirmed || rec.Attempts != 2 {
		t.Fatalf("unexpected reconcile result %+v (%v)", rec, err)
	}
	if _, err := h.host.Leg(ctx, rec.Address); err != nil {
		t.Fatalf("leg missing after reconcile: %v", err)
	}
	if counter, _ := h.factory.GetEscrowCounter(ctx); counter != 1 {
		t.Fatalf("reconciliation touched the counter: %d", counter)
	}
	for _, call := range h.inst.calls {
		if call.RequestID != rec.RequestID {
			t.Fatalf("retries must reuse the request id")
		}
	}

	if err := h.factory.Confirm(ctx, id, "escrow_9.elsewhere"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("confirm with wrong address accepted: %v", err)
	}
	if err := h.factory.Confirm(ctx, id, rec.Address); err != nil {
		t.Fatalf("confirm of confirmed record: %v", err)
	}
}

func TestConfigRequiresOwnerAndAccount(t *testing.T) {
	l := ledger.NewMemory(1)
	host := escrow.NewHost(l, escrow.NewMemoryStore())
	if _, err := New(Config{Account: account}, l, host, NewMemoryRegistry()); err == nil {
		t.Fatalf("missing owner accepted")
	}
	if _, err := New(Config{Owner: owner}, l, host, NewMemoryRegistry()); err == nil {
		t.Fatalf("missing account accepted")
	}
}

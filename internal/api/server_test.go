package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/auth"
	"CrossChain-Escrow/internal/escrow"
	"CrossChain-Escrow/internal/factory"
	"CrossChain-Escrow/internal/ledger"
	"CrossChain-Escrow/internal/resolver"
	"CrossChain-Escrow/internal/swap"
)

const (
	owner          = "owner.near"
	factoryAccount = "factory.owner.near"
	start          = swap.Timestamp(1_700_000_000)
)

type fixture struct {
	ledger  *ledger.Memory
	handler http.Handler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	l := ledger.NewMemory(start)
	host := escrow.NewHost(l, escrow.NewMemoryStore())
	f, err := factory.New(factory.Config{Owner: owner, Account: factoryAccount}, l, host, factory.NewMemoryRegistry())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	r, err := resolver.New(resolver.Config{Owner: owner, FactoryAddress: factoryAccount}, l, f, host)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return &fixture{ledger: l, handler: NewServer(":0", r, f, opts...).Handler()}
}

func (f *fixture) do(t *testing.T, method, path, principal, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func srcBody(secretHash string) string {
	body, _ := json.Marshal(map[string]any{
		"order": map[string]any{
			"maker":         "maker.near",
			"making_amount": "100",
			"taking_amount": "100",
		},
		"time_locks": map[string]any{
			"src_withdrawal":          3600,
			"src_public_withdrawal":   5400,
			"src_cancellation":        7200,
			"src_public_cancellation": 9000,
		},
		"taker":       "taker.near",
		"amount":      "100",
		"secret_hash": secretHash,
	})
	return string(body)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateWithdrawLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/escrows/src", owner, srcBody(swap.HashSecret("s")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	created := decode[createResponse](t, rec)
	if created.EscrowID != "0" {
		t.Fatalf("unexpected id %q", created.EscrowID)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/escrows/0/withdraw", owner, `{"secret": "s"}`)
	if rec.Code != http.StatusTooEarly {
		t.Fatalf("early withdraw: %d %s", rec.Code, rec.Body.String())
	}
	if body := decode[errorResponse](t, rec); body.Code != swap.CodeTimelockNotElapsed {
		t.Fatalf("unexpected error body %+v", body)
	}

	f.ledger.SetTime(start + 3700)
	rec = f.do(t, http.MethodPost, "/api/v1/escrows/0/withdraw", owner, `{"secret": "wrong"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad secret: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/escrows/0/withdraw", owner, `{"secret": "s"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("withdraw: %d %s", rec.Code, rec.Body.String())
	}
	view := decode[resolver.View](t, rec)
	if view.Status != swap.StatusWithdrawn || view.State == nil || view.State.RevealedSecret != "s" {
		t.Fatalf("unexpected view %+v", view)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/escrows/0/cancel", owner, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel after withdraw: %d %s", rec.Code, rec.Body.String())
	}
	if len(f.ledger.Transfers()) != 1 {
		t.Fatalf("expected exactly one transfer, got %d", len(f.ledger.Transfers()))
	}
}

func TestNonOwnerIsForbidden(t *testing.T) {
	f := newFixture(t)

	for _, principal := range []string{"", "mallory.near"} {
		rec := f.do(t, http.MethodPost, "/api/v1/escrows/src", principal, srcBody(swap.HashSecret("s")))
		if rec.Code != http.StatusForbidden {
			t.Fatalf("principal %q: %d %s", principal, rec.Code, rec.Body.String())
		}
	}
	rec := f.do(t, http.MethodGet, "/api/v1/factory", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("factory: %d", rec.Code)
	}
	if info := decode[factoryResponse](t, rec); info.Counter != 0 || info.Owner != owner {
		t.Fatalf("unexpected factory info %+v", info)
	}
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed json", http.MethodPost, "/api/v1/escrows/src", "{", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/v1/escrows/dst", `{"bogus": 1}`, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/api/v1/escrows/abc", "", http.StatusBadRequest},
		{"unknown escrow", http.MethodGet, "/api/v1/escrows/42", "", http.StatusNotFound},
		{"missing secret hash", http.MethodPost, "/api/v1/escrows/src", srcBody(""), http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/api/v1/escrows/0", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.path, owner, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("got %d want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestTokenAuthentication(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeToken, Secret: "s3cret"})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	f := newFixture(t, WithAuthenticator(svc))

	if rec := f.do(t, http.MethodPost, "/api/v1/escrows/src", owner, srcBody(swap.HashSecret("s"))); rec.Code != http.StatusUnauthorized {
		t.Fatalf("header principal accepted in token mode: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay public: %d", rec.Code)
	}

	for principal, want := range map[string]int{owner: http.StatusCreated, "mallory.near": http.StatusForbidden} {
		token, _, err := svc.Issue(swap.Principal(principal))
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/escrows/src", strings.NewReader(srcBody(swap.HashSecret("s"))))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("%s: got %d want %d (%s)", principal, rec.Code, want, rec.Body.String())
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[xerrors.Code]int{
		auth.CodeUnauthenticated:    http.StatusUnauthorized,
		swap.CodeUnauthorized:       http.StatusForbidden,
		swap.CodeAlreadyWithdrawn:   http.StatusConflict,
		swap.CodeAlreadyCancelled:   http.StatusConflict,
		swap.CodeEscrowPending:      http.StatusConflict,
		swap.CodeTimelockNotElapsed: http.StatusTooEarly,
		swap.CodeInvalidSecret:      http.StatusBadRequest,
		xerrors.CodeInvalidArgument: http.StatusBadRequest,
		swap.CodeEscrowNotFound:     http.StatusNotFound,
		swap.CodeTransferFailed:     http.StatusInternalServerError,
		xerrors.CodeStorageFailure:  http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := StatusFor(xerrors.New(code, "x")); got != want {
			t.Fatalf("%s: got %d want %d", code, got, want)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`handler="/healthz"`)) {
		t.Fatalf("metrics missing healthz sample: %s", rec.Body.String())
	}
}

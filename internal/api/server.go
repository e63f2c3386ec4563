package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"CrossChain-Escrow/internal/auth"
	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/escrow"
	"CrossChain-Escrow/internal/factory"
	"CrossChain-Escrow/internal/ledger"
	"CrossChain-Escrow/internal/observability/metrics"
	"CrossChain-Escrow/internal/resolver"
	"CrossChain-Escrow/internal/swap"
	"CrossChain-Escrow/pkg/logger"
)

// PrincipalHeader 在未启用令牌认证时携带调用主体。
const PrincipalHeader = auth.PrincipalHeader

const maxBodyBytes = 1 << 20

// Resolver 是 API 驱动的编排接口。
type Resolver interface {
	DeploySrc(ctx context.Context, order swap.CrossChainOrder, timeLocks swap.TimeLocks, taker swap.Principal, amount swap.Amount, secretHash string) (swap.EscrowID, error)
	DeployDst(ctx context.Context, immutables swap.EscrowImmutables, secretHash string) (swap.EscrowID, error)
	Withdraw(ctx context.Context, id swap.EscrowID, secret string) error
	Cancel(ctx context.Context, id swap.EscrowID) error
	Escrow(ctx context.Context, id swap.EscrowID) (resolver.View, error)
	Owner() swap.Principal
	FactoryAddress() swap.Principal
	ChainIDs() (src, dst uint64)
}

// Registry 是工厂登记表的只读接口。
type Registry interface {
	GetEscrowCounter(ctx context.Context) (uint64, error)
	ListPending(ctx context.Context, limit int) ([]*factory.Record, error)
}

// Server 负责暴露 REST 接口，供外部驱动跨链托管。
type Server struct {
	addr            string
	resolver        Resolver
	registry        Registry
	shutdownTimeout time.Duration
	auth            *auth.Service
	logger          *slog.Logger
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithShutdownTimeout 设置优雅退出的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithAuthenticator 设置调用主体的认证方式，默认信任 X-Principal 请求头。
func WithAuthenticator(a *auth.Service) Option {
	return func(s *Server) {
		if a != nil {
			s.auth = a
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, r Resolver, registry Registry, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		resolver:        r,
		registry:        registry,
		shutdownTimeout: 5 * time.Second,
		auth:            auth.HeaderOnly(),
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/escrows/src", s.handleCreateSrc)
	s.route(mux, "POST /api/v1/escrows/dst", s.handleCreateDst)
	s.route(mux, "POST /api/v1/escrows/{id}/withdraw", s.handleWithdraw)
	s.route(mux, "POST /api/v1/escrows/{id}/cancel", s.handleCancel)
	s.route(mux, "GET /api/v1/escrows/{id}", s.handleEscrow)
	s.route(mux, "GET /api/v1/factory", s.handleFactory)
	s.observed(mux, "GET /healthz", http.HandlerFunc(s.handleHealth))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("api listening", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	s.observed(mux, pattern, s.auth.Middleware(handler))
}

// observed 注册不需要认证的处理器，仅记录指标。
func (s *Server) observed(mux *http.ServeMux, pattern string, handler http.Handler) {
	label := pattern[strings.IndexByte(pattern, ' ')+1:]
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(label, r.Method, rec.status, time.Since(start))
	}))
}

type createSrcRequest struct {
	Order      swap.CrossChainOrder `json:"order"`
	TimeLocks  swap.TimeLocks       `json:"time_locks"`
	Taker      swap.Principal       `json:"taker"`
	Amount     swap.Amount          `json:"amount"`
	SecretHash string               `json:"secret_hash"`
	Deposit    swap.Amount          `json:"deposit"`
}

type createDstRequest struct {
	Immutables swap.EscrowImmutables `json:"immutables"`
	SecretHash string                `json:"secret_hash"`
	Deposit    swap.Amount           `json:"deposit"`
}

type withdrawRequest struct {
	Secret string `json:"secret"`
}

type createResponse struct {
	EscrowID string `json:"escrow_id"`
}

func (s *Server) handleCreateSrc(w http.ResponseWriter, r *http.Request) {
	var req createSrcRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := ledger.WithAttachedDeposit(r.Context(), req.Deposit)
	id, err := s.resolver.DeploySrc(ctx, req.Order, req.TimeLocks, req.Taker, req.Amount, req.SecretHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{EscrowID: id.String()})
}

func (s *Server) handleCreateDst(w http.ResponseWriter, r *http.Request) {
	var req createDstRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := ledger.WithAttachedDeposit(r.Context(), req.Deposit)
	id, err := s.resolver.DeployDst(ctx, req.Immutables, req.SecretHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{EscrowID: id.String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.resolver.Withdraw(r.Context(), id, req.Secret); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeView(w, r, id)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	if err := s.resolver.Cancel(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeView(w, r, id)
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	s.writeView(w, r, id)
}

type factoryResponse struct {
	Owner          swap.Principal `json:"owner"`
	FactoryAddress swap.Principal `json:"factory_address"`
	SrcChainID     uint64         `json:"src_chain_id"`
	DstChainID     uint64         `json:"dst_chain_id"`
	Counter        uint64         `json:"counter"`
	Pending        []string       `json:"pending"`
}

func (s *Server) handleFactory(w http.ResponseWriter, r *http.Request) {
	counter, err := s.registry.GetEscrowCounter(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pending, err := s.registry.ListPending(r.Context(), 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	src, dst := s.resolver.ChainIDs()
	resp := factoryResponse{
		Owner:          s.resolver.Owner(),
		FactoryAddress: s.resolver.FactoryAddress(),
		SrcChainID:     src,
		DstChainID:     dst,
		Counter:        counter,
		Pending:        make([]string, 0, len(pending)),
	}
	for _, rec := range pending {
		resp.Pending = append(resp.Pending, rec.ID.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeView(w http.ResponseWriter, r *http.Request, id swap.EscrowID) {
	view, err := s.resolver.Escrow(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) escrowID(w http.ResponseWriter, r *http.Request) (swap.EscrowID, bool) {
	id, err := swap.ParseEscrowID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "escrow id must be a base-10 integer"))
		return 0, false
	}
	return id, true
}

type errorResponse struct {
	Code    xerrors.Code      `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// StatusFor 按错误码映射 HTTP 状态码。
func StatusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case swap.CodeUnauthorized:
		return http.StatusForbidden
	case swap.CodeAlreadyWithdrawn, swap.CodeAlreadyCancelled, swap.CodeEscrowPending,
		escrow.CodeLegNotActive, escrow.CodeLegExists, xerrors.CodeConflict:
		return http.StatusConflict
	case swap.CodeTimelockNotElapsed:
		return http.StatusTooEarly
	case swap.CodeInvalidSecret, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case swap.CodeEscrowNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	resp := errorResponse{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		resp.Message = e.Message()
		resp.Details = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: xerrors.CodeInvalidArgument, Message: "请求体解析失败: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

package auth

import (
	"net/http"
	"strings"

	"CrossChain-Escrow/internal/ledger"
	"CrossChain-Escrow/internal/swap"
)

// Middleware 将认证得到的主体写入请求上下文，供账本的 CallerIdentity 读取。
// header 模式下缺失的请求头不在此拒绝，由下游按 Unauthorized 处理。
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.principal(r)
		if err != nil {
			s.audit.Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"error", err.Error(),
			)
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		ctx := ledger.WithCaller(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) principal(r *http.Request) (swap.Principal, error) {
	if s.mode != ModeToken {
		return swap.Principal(strings.TrimSpace(r.Header.Get(PrincipalHeader))), nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	claims, err := s.Verify(strings.TrimSpace(token))
	if err != nil {
		return "", err
	}
	return swap.Principal(claims.Principal), nil
}

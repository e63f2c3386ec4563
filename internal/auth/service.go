package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/swap"
	"CrossChain-Escrow/pkg/logger"
)

const jwtHeaderJSON = `{"alg":"HS256","typ":"JWT"}`

var encodedJWTHeader = base64.RawURLEncoding.EncodeToString([]byte(jwtHeaderJSON))

// Service 解析请求中的调用主体。
type Service struct {
	mode   Mode
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	audit  *slog.Logger
}

// NewService 构造认证服务。token 模式必须配置密钥。
func NewService(cfg Config) (*Service, error) {
	cfg.Normalise()
	svc := &Service{
		mode:   cfg.Mode,
		issuer: cfg.Issuer,
		ttl:    time.Duration(cfg.TTLSeconds) * time.Second,
		now:    time.Now,
		audit:  logger.Audit(),
	}
	switch cfg.Mode {
	case ModeHeader:
	case ModeToken:
		if strings.TrimSpace(cfg.Secret) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "token mode requires a secret",
				xerrors.WithMetadata("field", "auth.secret"))
		}
		svc.secret = []byte(cfg.Secret)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported auth mode: %s", cfg.Mode),
			xerrors.WithMetadata("field", "auth.mode"))
	}
	return svc, nil
}

// HeaderOnly 返回信任请求头的服务。
func HeaderOnly() *Service {
	svc, _ := NewService(Config{Mode: ModeHeader})
	return svc
}

// Mode 返回当前认证方式。
func (s *Service) Mode() Mode { return s.mode }

// Issue 为 principal 签发访问令牌。
func (s *Service) Issue(principal swap.Principal) (string, time.Time, error) {
	if s.mode != ModeToken {
		return "", time.Time{}, xerrors.New(xerrors.CodeInvalidArgument, "tokens are only issued in token mode")
	}
	if strings.TrimSpace(string(principal)) == "" {
		return "", time.Time{}, xerrors.New(xerrors.CodeInvalidArgument, "principal is required")
	}
	now := s.now()
	expires := now.Add(s.ttl)
	payload, err := json.Marshal(Claims{
		Principal: string(principal),
		Issuer:    s.issuer,
		IssuedAt:  now.Unix(),
		ExpiresAt: expires.Unix(),
	})
	if err != nil {
		return "", time.Time{}, xerrors.Wrap(xerrors.CodeUnknown, err, "encode claims")
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	sig := base64.RawURLEncoding.EncodeToString(s.signature(encodedJWTHeader, body))
	return strings.Join([]string{encodedJWTHeader, body, sig}, "."), expires, nil
}

// Verify 校验令牌签名、签发者与有效期。
func (s *Service) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != encodedJWTHeader {
		return nil, ErrInvalidToken
	}
	actual, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(s.signature(parts[0], parts[1]), actual) != 1 {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Principal == "" {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt != 0 && s.now().Unix() > claims.ExpiresAt {
		return nil, xerrors.New(CodeUnauthenticated, "token expired")
	}
	if s.issuer != "" && !strings.EqualFold(s.issuer, claims.Issuer) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func (s *Service) signature(header, payload string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(header))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

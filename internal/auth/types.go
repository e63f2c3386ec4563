// Package auth 负责识别 HTTP 调用方对应的账本主体。
//
// header 模式直接信任 X-Principal 请求头，适用于前置网关已完成认证的部署；
// token 模式要求 HMAC-SHA256 签名的 Bearer 令牌，令牌的 sub 即调用主体。
package auth

import (
	"strings"

	xerrors "CrossChain-Escrow/internal/errors"
)

// Mode 表示认证方式。
type Mode string

const (
	ModeHeader Mode = "header"
	ModeToken  Mode = "token"
)

// PrincipalHeader 在 header 模式下携带调用主体。
const PrincipalHeader = "X-Principal"

// CodeUnauthenticated 表示请求未携带可用的凭证。
const CodeUnauthenticated xerrors.Code = "UNAUTHENTICATED"

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{Message: "authentication required", Severity: xerrors.SeverityWarning})
}

var (
	ErrMissingToken = xerrors.New(CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken = xerrors.New(CodeUnauthenticated, "invalid token")
)

// Config 描述认证配置。
type Config struct {
	Mode       Mode   `json:"mode"`
	Secret     string `json:"secret"`
	Issuer     string `json:"issuer"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Normalise 填充默认值。
func (c *Config) Normalise() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.Mode == "" {
		c.Mode = ModeHeader
	}
	if c.TTLSeconds <= 0 {
		c.TTLSeconds = 3600
	}
}

// Claims 是令牌载荷。
type Claims struct {
	Principal string `json:"sub"`
	Issuer    string `json:"iss,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

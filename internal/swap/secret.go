package swap

import (
	"crypto/subtle"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "CrossChain-Escrow/internal/errors"
)

// secretBytes 解码 0x 前缀的十六进制密钥，其余输入按原始 UTF-8 字节处理。
func secretBytes(secret string) []byte {
	if strings.HasPrefix(secret, "0x") || strings.HasPrefix(secret, "0X") {
		if decoded, err := hexutil.Decode("0x" + secret[2:]); err == nil {
			return decoded
		}
	}
	return []byte(secret)
}

// HashSecret 返回 keccak256(secret)，格式为 0x 前缀的小写十六进制。
func HashSecret(secret string) string {
	return crypto.Keccak256Hash(secretBytes(secret)).Hex()
}

// NormalizeSecretHash 校验 32 字节十六进制摘要，并返回 0x 小写的规范形式。
func NormalizeSecretHash(hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "secret hash is required")
	}
	if !strings.HasPrefix(hash, "0x") && !strings.HasPrefix(hash, "0X") {
		hash = "0x" + hash
	}
	decoded, err := hexutil.Decode("0x" + hash[2:])
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "secret hash is not hex")
	}
	if len(decoded) != 32 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "secret hash must be 32 bytes")
	}
	return hexutil.Encode(decoded), nil
}

// VerifySecret 判断 secret 的哈希是否与存储的摘要一致。
// 空原像（包括单独的 "0x"）永远不通过。
func VerifySecret(secret, hash string) bool {
	if len(secretBytes(secret)) == 0 {
		return false
	}
	want, err := NormalizeSecretHash(hash)
	if err != nil {
		return false
	}
	got := HashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

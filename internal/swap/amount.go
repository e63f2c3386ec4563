package swap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// amountBits 是链上数量的位宽。
const amountBits = 128

// Amount 是以最小单位计的 128 位无符号数量。
type Amount struct {
	value uint256.Int
}

// NewAmount 由 uint64 构造 Amount。
func NewAmount(v uint64) Amount {
	var a Amount
	a.value.SetUint64(v)
	return a
}

// ParseAmount 解析十进制数量，超过 128 位的值会被拒绝。
func ParseAmount(raw string) (Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Amount{}, fmt.Errorf("empty amount")
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if v.BitLen() > amountBits {
		return Amount{}, fmt.Errorf("amount %q exceeds 128 bits", raw)
	}
	return Amount{value: *v}, nil
}

// MustAmount 用于常量，输入非法时 panic。
func MustAmount(raw string) Amount {
	a, err := ParseAmount(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero 判断数量是否为零。
func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

// Cmp 比较 a 与 b，返回 -1、0 或 +1。
func (a Amount) Cmp(b Amount) int {
	return a.value.Cmp(&b.value)
}

// Add 返回 a+b，和超出 128 位时报错。
func (a Amount) Add(b Amount) (Amount, error) {
	var sum Amount
	sum.value.Add(&a.value, &b.value)
	if sum.value.BitLen() > amountBits {
		return Amount{}, fmt.Errorf("amount overflow: %s + %s", a, b)
	}
	return sum, nil
}

// Big 以新的 big.Int 返回数量。
func (a Amount) Big() *big.Int {
	return a.value.ToBig()
}

// String 以十进制输出数量。
func (a Amount) String() string {
	return a.value.Dec()
}

// MarshalJSON 将数量编码为十进制字符串，只支持 float64 的 JSON 消费方也不会丢精度。
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON 接受十进制字符串或 JSON 数字。
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = Amount{}
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	parsed, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

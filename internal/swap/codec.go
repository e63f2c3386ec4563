package swap

import (
	"bytes"
	"encoding/json"
	"fmt"

	xerrors "CrossChain-Escrow/internal/errors"
)

// CodecVersion 是 Encode 写入的信封版本。
const CodecVersion = 2

// Kind 标识信封中负载的类型。
type Kind string

const (
	KindEscrowState    Kind = "escrow_state"
	KindRegistryRecord Kind = "registry_record"
	KindResolverState  Kind = "resolver_state"
)

// Envelope 是所有有状态数据持久化与导出时的统一格式。
type Envelope struct {
	Version int             `json:"version"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode 将负载包装进当前版本的信封。
func Encode(kind Kind, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Version: CodecVersion, Kind: kind, Payload: raw})
}

// Open 解析信封并校验类型，负载的版本升级交给各类型的解码函数。
func Open(data []byte, kind Kind) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode envelope")
	}
	if env.Kind != kind {
		return Envelope{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("envelope kind %q, want %q", env.Kind, kind))
	}
	if env.Version < 1 || env.Version > CodecVersion {
		return Envelope{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("unsupported envelope version %d", env.Version))
	}
	return env, nil
}

// Decode 打开指定类型的信封并把负载解码到 out。
// 仅适用于各版本间负载结构未变化的类型。
func Decode(data []byte, kind Kind, out any) error {
	env, err := Open(data, kind)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("decode %s payload", kind))
	}
	return nil
}

// EncodeState 编码单边 escrow 的状态。
func EncodeState(state EscrowState) ([]byte, error) {
	return Encode(KindEscrowState, state)
}

// DecodeState 解码单边 escrow 的状态并升级版本 1 的负载。
// 版本 1 以纳秒存储 deployed_at，且没有 payout 记录。
func DecodeState(data []byte) (EscrowState, error) {
	env, err := Open(data, KindEscrowState)
	if err != nil {
		return EscrowState{}, err
	}
	var state EscrowState
	if err := json.Unmarshal(env.Payload, &state); err != nil {
		return EscrowState{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode escrow state")
	}
	UpgradeImmutables(env.Version, &state.Immutables)
	if env.Version == 1 {
		state.Payout = nil
	}
	return state, nil
}

// UpgradeImmutables 将按旧版本信封解出的 immutables 转换为当前格式。
// 所有内嵌 EscrowImmutables 的类型都必须经过它。
func UpgradeImmutables(version int, im *EscrowImmutables) {
	if version == 1 {
		im.DeployedAt /= 1_000_000_000
	}
}

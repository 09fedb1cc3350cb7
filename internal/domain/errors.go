package domain

import (
	"errors"
	"fmt"
)

// ErrorKind 领域错误类型
type ErrorKind int

const (
	KindInvalidEmail ErrorKind = iota + 1
	KindAliasNotFound
	KindAliasDisabled
	KindAliasNotYours
	KindTokenInvalid
	KindTokenExpired
)

// String 返回错误类型名称，用于日志。
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidEmail:
		return "invalid_email"
	case KindAliasNotFound:
		return "alias_not_found"
	case KindAliasDisabled:
		return "alias_disabled"
	case KindAliasNotYours:
		return "alias_not_yours"
	case KindTokenInvalid:
		return "token_invalid"
	case KindTokenExpired:
		return "token_expired"
	default:
		return "unknown"
	}
}

// RelayError 是转发引擎内部传递的领域错误。
//
// Orchestrator 通过 Kind 分支处理，而不是依赖具体类型。
// Err 保存底层原因（例如地址语法的具体错误），仅用于日志。
type RelayError struct {
	Kind    ErrorKind
	Address string
	Err     error
}

// Kind 哨兵错误，配合 errors.Is 使用。
var (
	ErrInvalidEmail  = &RelayError{Kind: KindInvalidEmail}
	ErrAliasNotFound = &RelayError{Kind: KindAliasNotFound}
	ErrAliasDisabled = &RelayError{Kind: KindAliasDisabled}
	ErrAliasNotYours = &RelayError{Kind: KindAliasNotYours}
	ErrTokenInvalid  = &RelayError{Kind: KindTokenInvalid}
	ErrTokenExpired  = &RelayError{Kind: KindTokenExpired}
)

// 上游投递错误
var (
	ErrUpstreamTemporary = errors.New("upstream temporarily unavailable")
	ErrUpstreamRejected  = errors.New("upstream rejected message")
)

// NewRelayError 创建带地址和原因的领域错误。
func NewRelayError(kind ErrorKind, address string, cause error) *RelayError {
	return &RelayError{Kind: kind, Address: address, Err: cause}
}

func (e *RelayError) Error() string {
	msg := e.Kind.String()
	if e.Address != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Address)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Is 按 Kind 比较，使 errors.Is(err, ErrAliasNotFound) 对任意同类错误成立。
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// UserMessage 返回可以展示给发件人的说明。
//
// 别名不存在、已停用、不属于发件人三种情况返回同一段文字，
// 外部发件人无法据此判断别名是否存在。
func (e *RelayError) UserMessage() string {
	switch e.Kind {
	case KindInvalidEmail:
		return "The address is not a valid email address."
	case KindAliasNotFound, KindAliasDisabled, KindAliasNotYours:
		return "The recipient address does not exist or cannot receive mail."
	default:
		return "The message could not be delivered."
	}
}

// AsRelayError 提取领域错误。
func AsRelayError(err error) (*RelayError, bool) {
	var re *RelayError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

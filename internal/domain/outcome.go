package domain

// Status 是转发引擎返回给传输层的结果类型。
type Status int

const (
	// StatusAccepted 已接受并转发
	StatusAccepted Status = iota
	// StatusRejected 永久拒绝（地址无效、别名不存在/停用/不属于发件人）
	StatusRejected
	// StatusTemporary 上游暂时不可用，传输层应稍后重试
	StatusTemporary
	// StatusSwallowed 无需处理（退信环路保护）
	StatusSwallowed
	// StatusFailed 未分类的内部错误
	StatusFailed
)

// String 返回结果名称
func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusTemporary:
		return "temporary"
	case StatusSwallowed:
		return "swallowed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Successful 传输层是否应回复成功
func (s Status) Successful() bool {
	return s == StatusAccepted || s == StatusSwallowed
}

// Outcome 单个收件人的处理结果
type Outcome struct {
	Recipient string
	Status    Status
	Kind      ErrorKind // 仅 StatusRejected 时有意义
	Reason    string
}

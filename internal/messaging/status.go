package messaging

import (
	xerrors "github.com/MartianFinance/core/internal/errors"
)

const (
	CodeDeliveryTimeout xerrors.Code = "DELIVERY_TIMEOUT"
	CodeDeliveryFailed  xerrors.Code = "DELIVERY_FAILED"
)

var (
	// ErrDeliveryTimeout 表示在超时前没有收到应答。
	ErrDeliveryTimeout = xerrors.New(CodeDeliveryTimeout, "delivery timed out")
	// ErrDeliveryFailed 表示传输失败或应答类型不符。
	ErrDeliveryFailed = xerrors.New(CodeDeliveryFailed, "delivery failed")
)

func init() {
	xerrors.Register(CodeDeliveryTimeout, xerrors.Attributes{
		Message:       "delivery timed out",
		ClientMessage: "The request timed out. Please try again.",
		Severity:      xerrors.SeverityWarning,
		Retryable:     true,
	})
	xerrors.Register(CodeDeliveryFailed, xerrors.Attributes{
		Message:       "delivery failed",
		ClientMessage: "A service could not be reached. Please try again.",
		Severity:      xerrors.SeverityWarning,
		Retryable:     true,
	})
}

// StatusKind 是投递结果的分类。
type StatusKind int

const (
	StatusDelivered StatusKind = iota
	StatusTimedOut
	StatusFailed
)

func (k StatusKind) String() string {
	switch k {
	case StatusDelivered:
		return "delivered"
	case StatusTimedOut:
		return "timed_out"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DeliveryStatus 描述一次请求/应答的结果。Reason 仅在 Failed 时有值。
type DeliveryStatus struct {
	Kind   StatusKind
	Reason string
}

// Delivered 表示收到了匹配的应答。
func Delivered() DeliveryStatus { return DeliveryStatus{Kind: StatusDelivered} }

// TimedOut 表示超时。
func TimedOut() DeliveryStatus { return DeliveryStatus{Kind: StatusTimedOut} }

// Failed 表示传输失败或应答不合法。
func Failed(reason string) DeliveryStatus {
	return DeliveryStatus{Kind: StatusFailed, Reason: reason}
}

// OK 判断是否已送达。
func (s DeliveryStatus) OK() bool { return s.Kind == StatusDelivered }

func (s DeliveryStatus) String() string {
	if s.Kind == StatusFailed && s.Reason != "" {
		return s.Kind.String() + ": " + s.Reason
	}
	return s.Kind.String()
}

// Err 把投递状态映射为统一错误，送达时返回 nil。
func (s DeliveryStatus) Err() error {
	switch s.Kind {
	case StatusDelivered:
		return nil
	case StatusTimedOut:
		return ErrDeliveryTimeout
	default:
		reason := s.Reason
		if reason == "" {
			reason = "delivery failed"
		}
		return xerrors.New(CodeDeliveryFailed, reason)
	}
}

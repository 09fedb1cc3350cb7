package httptransport

import (
	"errors"

	"maskrelay/backend/internal/content"
	"maskrelay/backend/internal/imaging"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	content.ErrProxySignature: "图片代理签名无效",
	content.ErrProxyData:      "图片代理参数格式错误",
	imaging.ErrUnsupported:    "不支持的图片格式",
	errImageTooLarge:          "原图超过大小限制",
	errUpstreamImage:          "无法获取原图",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for target, msg := range errorMessages {
		if errors.Is(err, target) {
			return msg
		}
	}
	return MsgInternalError
}

// 通用错误消息
const (
	MsgInvalidRequest      = "请求参数格式错误"
	MsgStatisticsGetFailed = "获取统计数据失败"
	MsgInternalError       = "服务器内部错误，请稍后重试"
)

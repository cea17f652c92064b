package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Client 外部消息网关客户端契约
//
// 网关负责把内容真正推送给接收者（如微信客服消息/订阅消息接口）。
// 认证与 token 刷新是网关侧的能力，这里不关心。
type Client interface {
	// Send 投递一条已渲染的消息，成功返回网关分配的消息ID
	Send(ctx context.Context, receiverID int64, payload *Payload) (externalID string, err error)
}

// Error 网关错误
//
// Permanent 区分永久失败（接收者不可达、未订阅、参数非法）
// 和临时失败（限流、网关不可用、超时）。永久失败不消耗重试额度。
type Error struct {
	Code      int
	Msg       string
	Permanent bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("网关错误: %s (errcode=%d)", e.Msg, e.Code)
}

// 网关错误码（微信接口语义）
const (
	CodeSystemBusy      = -1    // 系统繁忙，稍后重试
	CodeInvalidOpenID   = 40003 // openid 非法
	CodeNotSubscribed   = 43101 // 用户未订阅消息推送
	CodeTemplateInvalid = 47003 // 模板参数错误
	CodeRateLimited     = 45047 // 下行条数超过上限
)

// 永久性错误码：重试也不可能成功
var permanentCodes = map[int]bool{
	CodeInvalidOpenID:   true,
	CodeNotSubscribed:   true,
	CodeTemplateInvalid: true,
}

// NewError 根据网关错误码构造错误，自动判定是否永久失败
func NewError(code int, msg string) *Error {
	return &Error{
		Code:      code,
		Msg:       msg,
		Permanent: permanentCodes[code],
	}
}

// AsError 提取网关错误，非网关错误（网络/超时）视为临时失败
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsNotSubscribed 是否为"接收者未订阅"错误
func IsNotSubscribed(err error) bool {
	ge, ok := AsError(err)
	return ok && ge.Code == CodeNotSubscribed
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"messagecenter/internal/config"
)

// WeChatClient 微信消息网关客户端
//
// 只封装单一的发送能力，access_token 由配置透传（刷新属于网关侧职责）。
type WeChatClient struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

func NewWeChatClient(cfg *config.GatewayConfig) *WeChatClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WeChatClient{
		baseURL:     cfg.BaseURL,
		accessToken: cfg.AccessToken,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendRequest struct {
	ToUser  int64    `json:"touser"`
	Payload *Payload `json:"payload"`
}

type sendResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
	MsgID   string `json:"msgid"`
}

// Send 调用网关投递消息
//
// 调用方负责通过 ctx 控制超时，网关的业务错误通过 *Error 返回。
func (c *WeChatClient) Send(ctx context.Context, receiverID int64, payload *Payload) (string, error) {
	reqBody, err := json.Marshal(sendRequest{
		ToUser:  receiverID,
		Payload: payload,
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/message/send?access_token=%s", c.baseURL, c.accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取网关响应失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// 网关 HTTP 层错误按临时失败处理
		return "", fmt.Errorf("网关响应异常: status=%d body=%q", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("解析网关响应失败: %w body=%q", err, string(body))
	}

	if sr.ErrCode != 0 {
		return "", NewError(sr.ErrCode, sr.ErrMsg)
	}
	if sr.MsgID == "" {
		return "", fmt.Errorf("网关响应缺少 msgid: body=%q", string(body))
	}

	return sr.MsgID, nil
}

package gateway

import (
	"encoding/json"
	"fmt"

	"messagecenter/internal/model"
)

// Payload 渲染后的网关请求体
type Payload struct {
	MsgType  string           `json:"msgtype"`
	Text     *TextContent     `json:"text,omitempty"`
	Template *TemplateContent `json:"template,omitempty"`
	Media    *MediaContent    `json:"media,omitempty"`
}

type TextContent struct {
	Content string `json:"content"`
}

type TemplateContent struct {
	TemplateID string            `json:"template_id"`
	Data       map[string]string `json:"data"`
}

type MediaContent struct {
	MediaID string `json:"media_id"`
	URL     string `json:"url,omitempty"`
}

// 按 kind 解释的消息内容结构
type textPayload struct {
	Text string `json:"text"`
}

type templatePayload struct {
	TemplateID string            `json:"template_id"`
	Data       map[string]string `json:"data"`
}

type mediaPayload struct {
	MediaID string `json:"media_id"`
	URL     string `json:"url"`
}

// Render 把消息内容按 kind 渲染为网关请求体
//
// kind 是创建时就校验过的封闭集合，这里的 default 分支只在
// 数据被外部直接改库时才会走到，按永久失败处理。
func Render(msg *model.Message) (*Payload, error) {
	switch msg.Kind {
	case model.MessageKindText, model.MessageKindSystem:
		var p textPayload
		if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
			return nil, fmt.Errorf("解析文本内容失败: %w", err)
		}
		if p.Text == "" {
			return nil, fmt.Errorf("文本内容为空")
		}
		return &Payload{
			MsgType: "text",
			Text:    &TextContent{Content: p.Text},
		}, nil

	case model.MessageKindTemplate:
		var p templatePayload
		if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
			return nil, fmt.Errorf("解析模板内容失败: %w", err)
		}
		if p.TemplateID == "" {
			return nil, fmt.Errorf("模板ID为空")
		}
		return &Payload{
			MsgType:  "template",
			Template: &TemplateContent{TemplateID: p.TemplateID, Data: p.Data},
		}, nil

	case model.MessageKindMedia:
		var p mediaPayload
		if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
			return nil, fmt.Errorf("解析媒体内容失败: %w", err)
		}
		if p.MediaID == "" && p.URL == "" {
			return nil, fmt.Errorf("媒体内容为空")
		}
		return &Payload{
			MsgType: "media",
			Media:   &MediaContent{MediaID: p.MediaID, URL: p.URL},
		}, nil

	default:
		return nil, fmt.Errorf("不支持的消息类型: %s", msg.Kind)
	}
}

// ValidatePayload 创建时的内容校验（与 Render 使用同一套解析规则）
func ValidatePayload(kind, payload string) error {
	m := &model.Message{Kind: kind, Payload: payload}
	_, err := Render(m)
	return err
}

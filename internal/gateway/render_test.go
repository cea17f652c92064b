package gateway

import (
	"testing"

	"messagecenter/internal/model"
)

func TestRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		kind        string
		payload     string
		wantErr     bool
		wantMsgType string
	}{
		{"text", model.MessageKindText, `{"text":"你好"}`, false, "text"},
		{"system renders as text", model.MessageKindSystem, `{"text":"系统通知"}`, false, "text"},
		{"template", model.MessageKindTemplate, `{"template_id":"TPL01","data":{"name":"张三"}}`, false, "template"},
		{"media by id", model.MessageKindMedia, `{"media_id":"M001"}`, false, "media"},
		{"media by url", model.MessageKindMedia, `{"url":"https://example.com/a.png"}`, false, "media"},
		{"empty text", model.MessageKindText, `{"text":""}`, true, ""},
		{"missing template id", model.MessageKindTemplate, `{"data":{}}`, true, ""},
		{"empty media", model.MessageKindMedia, `{}`, true, ""},
		{"invalid json", model.MessageKindText, `{text`, true, ""},
		{"unknown kind", "voice", `{"text":"hi"}`, true, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := Render(&model.Message{Kind: tt.kind, Payload: tt.payload})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got payload %+v", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if p.MsgType != tt.wantMsgType {
				t.Fatalf("msgtype = %s, want %s", p.MsgType, tt.wantMsgType)
			}
		})
	}
}

func TestRender_TextContent(t *testing.T) {
	t.Parallel()

	p, err := Render(&model.Message{Kind: model.MessageKindText, Payload: `{"text":"晚上好"}`})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if p.Text == nil || p.Text.Content != "晚上好" {
		t.Fatalf("text content = %+v", p.Text)
	}
}

func TestValidatePayload(t *testing.T) {
	t.Parallel()

	if err := ValidatePayload(model.MessageKindText, `{"text":"hi"}`); err != nil {
		t.Fatalf("ValidatePayload: %v", err)
	}
	if err := ValidatePayload(model.MessageKindTemplate, `{"data":{}}`); err == nil {
		t.Fatalf("expected error for template without template_id")
	}
}

func TestGatewayError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code          int
		wantPermanent bool
	}{
		{CodeSystemBusy, false},
		{CodeInvalidOpenID, true},
		{CodeNotSubscribed, true},
		{CodeTemplateInvalid, true},
		{CodeRateLimited, false},
	}
	for _, tt := range tests {
		e := NewError(tt.code, "x")
		if e.Permanent != tt.wantPermanent {
			t.Fatalf("code %d permanent = %v, want %v", tt.code, e.Permanent, tt.wantPermanent)
		}
	}

	if !IsNotSubscribed(NewError(CodeNotSubscribed, "用户未订阅")) {
		t.Fatalf("expected IsNotSubscribed true for 43101")
	}
	if IsNotSubscribed(NewError(CodeSystemBusy, "busy")) {
		t.Fatalf("expected IsNotSubscribed false for -1")
	}
}

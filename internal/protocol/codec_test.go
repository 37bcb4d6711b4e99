package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeOutbound(t *testing.T) {
	tests := []struct {
		name    string
		req     *OutboundRequest
		wantErr bool
		checkFn func(t *testing.T, out map[string]any)
	}{
		{
			name: "text to user",
			req: &OutboundRequest{
				Recipient: Recipient{ToUser: "alice"},
				MsgType:   "text",
				AgentID:   1000002,
				Body:      map[string]any{"content": "hello"},
				Extra:     map[string]any{"safe": 0},
			},
			checkFn: func(t *testing.T, out map[string]any) {
				if out["msgtype"] != "text" {
					t.Errorf("msgtype = %v, want text", out["msgtype"])
				}
				if out["agentid"] != float64(1000002) {
					t.Errorf("agentid = %v, want 1000002", out["agentid"])
				}
				if out["touser"] != "alice" {
					t.Errorf("touser = %v, want alice", out["touser"])
				}
				if _, ok := out["toparty"]; ok {
					t.Error("toparty should be omitted")
				}
				text, _ := out["text"].(map[string]any)
				if text["content"] != "hello" {
					t.Errorf("text.content = %v, want hello", text["content"])
				}
				if out["safe"] != float64(0) {
					t.Errorf("safe = %v, want 0", out["safe"])
				}
			},
		},
		{
			name: "party and tag combined",
			req: &OutboundRequest{
				Recipient: Recipient{ToParty: "1|2", ToTag: "7"},
				MsgType:   "markdown",
				Body:      map[string]any{"content": "**hi**"},
			},
			checkFn: func(t *testing.T, out map[string]any) {
				if out["toparty"] != "1|2" || out["totag"] != "7" {
					t.Errorf("addressing = %v/%v", out["toparty"], out["totag"])
				}
				if _, ok := out["touser"]; ok {
					t.Error("touser should be omitted")
				}
			},
		},
		{
			name:    "missing msgtype",
			req:     &OutboundRequest{Recipient: Recipient{ToUser: "a"}},
			wantErr: true,
		},
		{
			name:    "missing recipient",
			req:     &OutboundRequest{MsgType: "text"},
			wantErr: true,
		},
		{
			name: "extra collides with reserved field",
			req: &OutboundRequest{
				Recipient: Recipient{ToUser: "a"},
				MsgType:   "text",
				Extra:     map[string]any{"touser": "b"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeOutbound(&buf, tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeOutbound() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			var out map[string]any
			if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			tt.checkFn(t, out)
		})
	}
}

func TestDecodeSendResult(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantErr  bool
		wantCode int
	}{
		{"success", `{"errcode":0,"errmsg":"ok","msgid":"abc"}`, false, 0},
		{"application error", `{"errcode":81013,"errmsg":"user invalid","invaliduser":"bob"}`, false, 81013},
		{"unknown fields tolerated", `{"errcode":0,"errmsg":"ok","response_code":"x"}`, false, 0},
		{"missing errcode", `{"errmsg":"ok"}`, true, 0},
		{"not json", `<html>bad gateway</html>`, true, 0},
		{"empty", ``, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := DecodeSendResult(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeSendResult() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if res.ErrCode != tt.wantCode {
				t.Errorf("ErrCode = %d, want %d", res.ErrCode, tt.wantCode)
			}
			if string(res.Raw) != tt.input {
				t.Errorf("Raw = %s, want %s", res.Raw, tt.input)
			}
		})
	}
}

func TestParseMessageType(t *testing.T) {
	cases := map[string]MessageType{
		"text":  TypeText,
		"image": TypeImage,
		"voice": TypeUnknown,
		"event": TypeUnknown,
		"":      TypeUnknown,
	}
	for raw, want := range cases {
		if got := ParseMessageType(raw); got != want {
			t.Errorf("ParseMessageType(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestSendResultOK(t *testing.T) {
	var nilResult *SendResult
	if nilResult.OK() {
		t.Error("nil result should not be OK")
	}
	if !(&SendResult{ErrCode: 0}).OK() {
		t.Error("errcode 0 should be OK")
	}
	if (&SendResult{ErrCode: 40014}).OK() {
		t.Error("errcode 40014 should not be OK")
	}
}

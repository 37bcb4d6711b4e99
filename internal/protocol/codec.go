package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// reservedKeys cannot be overridden through OutboundRequest.Extra.
var reservedKeys = map[string]bool{
	"msgtype": true,
	"agentid": true,
	"touser":  true,
	"toparty": true,
	"totag":   true,
}

// EncodeOutbound serializes req into the platform's message/send body and
// writes it to w.
func EncodeOutbound(w io.Writer, req *OutboundRequest) error {
	if req.MsgType == "" {
		return fmt.Errorf("outbound request missing msgtype")
	}
	if req.Recipient.Empty() {
		return fmt.Errorf("outbound request has no recipient")
	}

	body := make(map[string]any, len(req.Extra)+6)
	for k, v := range req.Extra {
		if reservedKeys[k] || k == req.MsgType {
			return fmt.Errorf("extra option %q collides with a reserved field", k)
		}
		body[k] = v
	}
	body["msgtype"] = req.MsgType
	body["agentid"] = req.AgentID
	if req.Recipient.ToUser != "" {
		body["touser"] = req.Recipient.ToUser
	}
	if req.Recipient.ToParty != "" {
		body["toparty"] = req.Recipient.ToParty
	}
	if req.Recipient.ToTag != "" {
		body["totag"] = req.Recipient.ToTag
	}
	if len(req.Body) > 0 {
		body[req.MsgType] = req.Body
	}

	if err := json.NewEncoder(w).Encode(body); err != nil {
		return fmt.Errorf("failed to encode outbound request: %w", err)
	}
	return nil
}

// DecodeSendResult reads a message/send reply. Unknown fields are tolerated
// because the platform adds fields over time; the raw bytes are kept on the
// result.
func DecodeSendResult(r io.Reader) (*SendResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response body")
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}
	if _, ok := probe["errcode"]; !ok {
		return nil, fmt.Errorf("response missing required field: errcode")
	}

	var res SendResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	res.Raw = json.RawMessage(data)
	return &res, nil
}

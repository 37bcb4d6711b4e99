package protocol

import "encoding/json"

// MessageType is the decoded kind of an inbound callback message.
type MessageType string

const (
	TypeText    MessageType = "text"
	TypeImage   MessageType = "image"
	TypeUnknown MessageType = "unknown"
)

// ParseMessageType maps a platform MsgType value to a MessageType.
func ParseMessageType(raw string) MessageType {
	switch MessageType(raw) {
	case TypeText:
		return TypeText
	case TypeImage:
		return TypeImage
	default:
		return TypeUnknown
	}
}

// InboundMessage is one decoded callback message. Content is the text body for
// text messages and the picture URL for image messages.
type InboundMessage struct {
	Sender  string      `json:"sender"`
	Type    MessageType `json:"type"`
	Content string      `json:"content,omitempty"`

	// RawType is the platform MsgType as received (e.g. "voice").
	RawType string `json:"raw_type,omitempty"`
	MsgID   string `json:"msg_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// Recipient addresses an outbound message. Fields hold "|"-joined ids as the
// platform expects; any combination may be set.
type Recipient struct {
	ToUser  string `json:"touser,omitempty"`
	ToParty string `json:"toparty,omitempty"`
	ToTag   string `json:"totag,omitempty"`
}

// Empty reports whether no addressing mode is set.
func (r Recipient) Empty() bool {
	return r.ToUser == "" && r.ToParty == "" && r.ToTag == ""
}

// OutboundRequest is one message/send call.
type OutboundRequest struct {
	Recipient Recipient
	MsgType   string
	AgentID   int64
	Body      map[string]any

	// Extra holds top-level options such as safe or enable_duplicate_check.
	Extra map[string]any
}

// SendResult is the platform's reply to message/send. Raw keeps the reply
// bytes unmodified.
type SendResult struct {
	ErrCode      int    `json:"errcode"`
	ErrMsg       string `json:"errmsg"`
	InvalidUser  string `json:"invaliduser,omitempty"`
	InvalidParty string `json:"invalidparty,omitempty"`
	InvalidTag   string `json:"invalidtag,omitempty"`
	MsgID        string `json:"msgid,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// OK reports whether the platform accepted the message.
func (r *SendResult) OK() bool {
	return r != nil && r.ErrCode == 0
}

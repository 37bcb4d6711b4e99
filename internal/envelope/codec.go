// Package envelope verifies and decodes WeCom callback envelopes into
// InboundMessages.
package envelope

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/wecom-gw/internal/protocol"
	"github.com/mattjoyce/wecom-gw/internal/wxcrypt"
)

var (
	ErrVerificationFailed = errors.New("verification failed")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrMalformedPayload   = errors.New("malformed payload")
)

// CodeError is a verification or decryption failure carrying the crypto
// layer's numeric code. errors.Is matches Kind.
type CodeError struct {
	Kind error
	Code int
	Err  error
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%v (code %d)", e.Kind, e.Code)
}

func (e *CodeError) Is(target error) bool { return target == e.Kind }

func (e *CodeError) Unwrap() error { return e.Err }

// Crypter is the callback crypto capability.
type Crypter interface {
	VerifyURL(msgSignature, timestamp, nonce, echoStr string) (string, error)
	DecryptMsg(postData []byte, msgSignature, timestamp, nonce string) ([]byte, error)
}

// Codec adapts a Crypter to the gateway's message model.
type Codec struct {
	crypter Crypter
}

// New returns a Codec backed by c.
func New(c Crypter) *Codec {
	return &Codec{crypter: c}
}

// VerifyEcho proves ownership of the callback URL by returning the decrypted
// echo string verbatim.
func (c *Codec) VerifyEcho(msgSignature, timestamp, nonce, echoStr string) (string, error) {
	echo, err := c.crypter.VerifyURL(msgSignature, timestamp, nonce, echoStr)
	if err != nil {
		return "", &CodeError{Kind: ErrVerificationFailed, Code: codeOf(err), Err: err}
	}
	return echo, nil
}

// Decode verifies and decrypts a callback body and extracts the message.
// Unrecognized message types decode to protocol.TypeUnknown without error.
func (c *Codec) Decode(rawBody []byte, msgSignature, timestamp, nonce string) (protocol.InboundMessage, error) {
	plain, err := c.crypter.DecryptMsg(rawBody, msgSignature, timestamp, nonce)
	if err != nil {
		return protocol.InboundMessage{}, &CodeError{Kind: ErrDecryptionFailed, Code: codeOf(err), Err: err}
	}
	return ParsePayload(plain)
}

// payload mirrors the decrypted callback XML. Pointer fields distinguish an
// absent element from an empty one.
type payload struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   *string  `xml:"ToUserName"`
	FromUserName *string  `xml:"FromUserName"`
	MsgType      *string  `xml:"MsgType"`
	Content      *string  `xml:"Content"`
	PicURL       *string  `xml:"PicUrl"`
	MsgID        *string  `xml:"MsgId"`
	AgentID      *string  `xml:"AgentID"`
}

// ParsePayload extracts an InboundMessage from decrypted callback XML.
func ParsePayload(plain []byte) (protocol.InboundMessage, error) {
	var p payload
	if err := xml.Unmarshal(plain, &p); err != nil {
		return protocol.InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	rawType, ok := text(p.MsgType)
	if !ok {
		return protocol.InboundMessage{}, fmt.Errorf("%w: missing MsgType", ErrMalformedPayload)
	}

	msg := protocol.InboundMessage{
		Type:    protocol.ParseMessageType(rawType),
		RawType: rawType,
	}
	msg.Sender, _ = text(p.FromUserName)
	msg.MsgID, _ = text(p.MsgID)
	msg.AgentID, _ = text(p.AgentID)

	switch msg.Type {
	case protocol.TypeText:
		if err := requireField(msg.Sender != "", rawType, "FromUserName"); err != nil {
			return protocol.InboundMessage{}, err
		}
		// Whitespace is content; only a missing or empty element is malformed.
		ok := p.Content != nil && *p.Content != ""
		if err := requireField(ok, rawType, "Content"); err != nil {
			return protocol.InboundMessage{}, err
		}
		msg.Content = *p.Content
	case protocol.TypeImage:
		if err := requireField(msg.Sender != "", rawType, "FromUserName"); err != nil {
			return protocol.InboundMessage{}, err
		}
		picURL, ok := text(p.PicURL)
		if err := requireField(ok, rawType, "PicUrl"); err != nil {
			return protocol.InboundMessage{}, err
		}
		msg.Content = picURL
	}
	return msg, nil
}

func requireField(present bool, msgType, field string) error {
	if present {
		return nil
	}
	return fmt.Errorf("%w: %s message missing %s", ErrMalformedPayload, msgType, field)
}

// text returns an identifier-like element and whether it is present and
// non-blank. The value is returned untrimmed.
func text(v *string) (string, bool) {
	if v == nil || strings.TrimSpace(*v) == "" {
		return "", false
	}
	return *v, true
}

func codeOf(err error) int {
	if code := wxcrypt.CodeOf(err); code != 0 {
		return code
	}
	return -1
}

// Package wxcrypt implements the WeCom callback message crypto scheme.
//
// Callbacks are signed with SHA1 over the sorted (token, timestamp, nonce,
// ciphertext) tuple and encrypted with AES-256-CBC. The AES key is the
// base64-decoded EncodingAESKey (43 characters plus a trailing "="); the IV is
// the first 16 bytes of the key. Plaintext is framed as
//
//	random(16) | msg_len(4, big endian) | msg | receive_id
//
// and padded with PKCS#7 to a 32-byte block size.
//
// Every failure is returned as *Error, carrying the same numeric codes the
// platform's reference SDKs use so they can be correlated with platform docs.
package wxcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	aesKeyLength = 43
	blockSize    = 32
	randomPrefix = 16
)

// Crypt verifies, decrypts and encrypts callback payloads for one
// (token, EncodingAESKey, receive id) triple. It is safe for concurrent use.
type Crypt struct {
	token     string
	key       []byte
	receiveID string
	maxSkew   time.Duration
	now       func() time.Time
	random    io.Reader
}

// Option configures a Crypt.
type Option func(*Crypt)

// WithMaxClockSkew rejects callbacks whose timestamp is further than d from
// the local clock. Zero disables the check.
func WithMaxClockSkew(d time.Duration) Option {
	return func(c *Crypt) { c.maxSkew = d }
}

// WithClock overrides the clock used for the timestamp window.
func WithClock(now func() time.Time) Option {
	return func(c *Crypt) { c.now = now }
}

// WithRandom overrides the source of the 16-byte plaintext prefix.
func WithRandom(r io.Reader) Option {
	return func(c *Crypt) { c.random = r }
}

// New returns a Crypt. receiveID is the corp id for internal apps (or the
// suite id for third-party apps).
func New(token, encodingAESKey, receiveID string, opts ...Option) (*Crypt, error) {
	if len(encodingAESKey) != aesKeyLength {
		return nil, newError(CodeIllegalAesKey, fmt.Errorf("encoding aes key must be %d characters, got %d", aesKeyLength, len(encodingAESKey)))
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, newError(CodeIllegalAesKey, err)
	}
	c := &Crypt{
		token:     token,
		key:       key,
		receiveID: receiveID,
		now:       time.Now,
		random:    rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// VerifyURL checks the signature of a connectivity probe and returns the
// decrypted echo string.
func (c *Crypt) VerifyURL(msgSignature, timestamp, nonce, echoStr string) (string, error) {
	if err := c.verify(msgSignature, timestamp, nonce, echoStr); err != nil {
		return "", err
	}
	plain, err := c.decrypt(echoStr)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// DecryptMsg verifies and decrypts a callback POST body and returns the inner
// plaintext XML.
func (c *Crypt) DecryptMsg(postData []byte, msgSignature, timestamp, nonce string) ([]byte, error) {
	var env recvEnvelope
	if err := xml.Unmarshal(postData, &env); err != nil {
		return nil, newError(CodeParseXML, err)
	}
	if env.Encrypt == "" {
		return nil, newError(CodeParseXML, fmt.Errorf("missing Encrypt element"))
	}
	if err := c.verify(msgSignature, timestamp, nonce, env.Encrypt); err != nil {
		return nil, err
	}
	return c.decrypt(env.Encrypt)
}

// EncryptMsg encrypts a reply and wraps it in the signed response envelope.
// An empty timestamp uses the current time.
func (c *Crypt) EncryptMsg(reply []byte, timestamp, nonce string) ([]byte, error) {
	if timestamp == "" {
		timestamp = strconv.FormatInt(c.now().Unix(), 10)
	}
	encrypted, err := c.encrypt(reply)
	if err != nil {
		return nil, err
	}
	env := replyEnvelope{
		Encrypt:      cdata{encrypted},
		MsgSignature: cdata{Signature(c.token, timestamp, nonce, encrypted)},
		TimeStamp:    timestamp,
		Nonce:        cdata{nonce},
	}
	out, err := xml.Marshal(env)
	if err != nil {
		return nil, newError(CodeGenReturnXML, err)
	}
	return out, nil
}

// EncryptEcho returns the ciphertext and signature a platform would send for
// a connectivity probe. Used by tooling that needs to exercise VerifyURL.
func (c *Crypt) EncryptEcho(echo, timestamp, nonce string) (encrypted, signature string, err error) {
	encrypted, err = c.encrypt([]byte(echo))
	if err != nil {
		return "", "", err
	}
	return encrypted, Signature(c.token, timestamp, nonce, encrypted), nil
}

// Signature computes the hex SHA1 callback signature.
func Signature(token, timestamp, nonce, encrypted string) string {
	parts := []string{token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func (c *Crypt) verify(msgSignature, timestamp, nonce, encrypted string) error {
	expected := Signature(c.token, timestamp, nonce, encrypted)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(msgSignature)) != 1 {
		return newError(CodeValidateSignature, fmt.Errorf("signature mismatch"))
	}
	if c.maxSkew <= 0 {
		return nil
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return newError(CodeExpiredTimestamp, fmt.Errorf("invalid timestamp %q", timestamp))
	}
	skew := c.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > c.maxSkew {
		return newError(CodeExpiredTimestamp, fmt.Errorf("timestamp outside %s window", c.maxSkew))
	}
	return nil
}

func (c *Crypt) decrypt(encrypted string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, newError(CodeDecodeBase64, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, newError(CodeDecryptAES, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext)))
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, newError(CodeDecryptAES, err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, newError(CodeIllegalBuffer, err)
	}
	if len(plain) < randomPrefix+4 {
		return nil, newError(CodeIllegalBuffer, fmt.Errorf("plaintext too short"))
	}
	msgLen := int(binary.BigEndian.Uint32(plain[randomPrefix : randomPrefix+4]))
	rest := plain[randomPrefix+4:]
	if msgLen < 0 || msgLen > len(rest) {
		return nil, newError(CodeIllegalBuffer, fmt.Errorf("message length %d exceeds buffer", msgLen))
	}
	msg, receiveID := rest[:msgLen], rest[msgLen:]
	if c.receiveID != "" && string(receiveID) != c.receiveID {
		return nil, newError(CodeValidateCorpID, fmt.Errorf("receive id mismatch"))
	}
	return msg, nil
}

func (c *Crypt) encrypt(msg []byte) (string, error) {
	var buf bytes.Buffer
	prefix := make([]byte, randomPrefix)
	if _, err := io.ReadFull(c.random, prefix); err != nil {
		return "", newError(CodeEncryptAES, err)
	}
	buf.Write(prefix)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(msg)))
	buf.Write(length[:])
	buf.Write(msg)
	buf.WriteString(c.receiveID)

	plain := pkcs7Pad(buf.Bytes())
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", newError(CodeEncryptAES, err)
	}
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, plain)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(b []byte) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n < 1 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("invalid padding")
	}
	return b[:len(b)-n], nil
}

type recvEnvelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	AgentID    string   `xml:"AgentID"`
	Encrypt    string   `xml:"Encrypt"`
}

type cdata struct {
	Value string `xml:",cdata"`
}

type replyEnvelope struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

package wxcrypt

import (
	"encoding/xml"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken  = "QDG6eK"
	testAESKey = "jWmYm7qr5nMoAUwZRjGtBxmz3KA1tkAj3ykkR6q2B2C"
	testCorpID = "wx5823bf96d3bd56c7"
)

func newTestCrypt(t *testing.T, opts ...Option) *Crypt {
	t.Helper()
	c, err := New(testToken, testAESKey, testCorpID, opts...)
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New(testToken, "short", testCorpID)
	require.Error(t, err)
	assert.Equal(t, CodeIllegalAesKey, CodeOf(err))
}

func TestVerifyURLRoundTrip(t *testing.T) {
	c := newTestCrypt(t)

	for _, echo := range []string{"1616140317555161061", "hello", ""} {
		encrypted, sig, err := c.EncryptEcho(echo, "1409659589", "263014780")
		require.NoError(t, err)

		got, err := c.VerifyURL(sig, "1409659589", "263014780", encrypted)
		require.NoError(t, err)
		assert.Equal(t, echo, got)
	}
}

func TestVerifyURLRejectsTamperedSignature(t *testing.T) {
	c := newTestCrypt(t)
	encrypted, sig, err := c.EncryptEcho("echo", "1409659589", "263014780")
	require.NoError(t, err)

	tests := []struct {
		name      string
		signature string
		timestamp string
		nonce     string
	}{
		{"wrong signature", "0000000000000000000000000000000000000000", "1409659589", "263014780"},
		{"empty signature", "", "1409659589", "263014780"},
		{"altered timestamp", sig, "1409659590", "263014780"},
		{"altered nonce", sig, "1409659589", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.VerifyURL(tt.signature, tt.timestamp, tt.nonce, encrypted)
			require.Error(t, err)
			assert.Empty(t, got)
			assert.Equal(t, CodeValidateSignature, CodeOf(err))
		})
	}
}

func TestDecryptMsgRoundTrip(t *testing.T) {
	c := newTestCrypt(t)
	inner := []byte("<xml><ToUserName><![CDATA[wx5823bf96d3bd56c7]]></ToUserName><FromUserName><![CDATA[wzx]]></FromUserName><MsgType><![CDATA[text]]></MsgType><Content><![CDATA[ping]]></Content></xml>")

	reply, err := c.EncryptMsg(inner, "1409659813", "1372623149")
	require.NoError(t, err)

	var env replyEnvelope
	require.NoError(t, xml.Unmarshal(reply, &env))

	body := []byte("<xml><ToUserName><![CDATA[" + testCorpID + "]]></ToUserName><Encrypt><![CDATA[" + env.Encrypt.Value + "]]></Encrypt><AgentID><![CDATA[218]]></AgentID></xml>")
	plain, err := c.DecryptMsg(body, env.MsgSignature.Value, env.TimeStamp, env.Nonce.Value)
	require.NoError(t, err)
	assert.Equal(t, inner, plain)
}

func TestDecryptMsgErrors(t *testing.T) {
	c := newTestCrypt(t)
	encrypted, sig, err := c.EncryptEcho("payload", "1", "2")
	require.NoError(t, err)

	t.Run("not xml", func(t *testing.T) {
		_, err := c.DecryptMsg([]byte("garbage"), sig, "1", "2")
		assert.Equal(t, CodeParseXML, CodeOf(err))
	})

	t.Run("missing Encrypt", func(t *testing.T) {
		_, err := c.DecryptMsg([]byte("<xml><ToUserName>x</ToUserName></xml>"), sig, "1", "2")
		assert.Equal(t, CodeParseXML, CodeOf(err))
	})

	t.Run("bad signature", func(t *testing.T) {
		body := []byte("<xml><Encrypt>" + encrypted + "</Encrypt></xml>")
		_, err := c.DecryptMsg(body, "bad", "1", "2")
		assert.Equal(t, CodeValidateSignature, CodeOf(err))
	})

	t.Run("receive id mismatch", func(t *testing.T) {
		other, err := New(testToken, testAESKey, "other-corp")
		require.NoError(t, err)
		body := []byte("<xml><Encrypt>" + encrypted + "</Encrypt></xml>")
		_, err = other.DecryptMsg(body, sig, "1", "2")
		assert.Equal(t, CodeValidateCorpID, CodeOf(err))
	})

	t.Run("not base64", func(t *testing.T) {
		body := []byte("<xml><Encrypt>***</Encrypt></xml>")
		_, err := c.DecryptMsg(body, Signature(testToken, "1", "2", "***"), "1", "2")
		assert.Equal(t, CodeDecodeBase64, CodeOf(err))
	})
}

func TestClockSkewWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newTestCrypt(t, WithMaxClockSkew(5*time.Minute), WithClock(func() time.Time { return now }))

	fresh := strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)
	encrypted, sig, err := c.EncryptEcho("echo", fresh, "n")
	require.NoError(t, err)
	got, err := c.VerifyURL(sig, fresh, "n", encrypted)
	require.NoError(t, err)
	assert.Equal(t, "echo", got)

	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	encrypted, sig, err = c.EncryptEcho("echo", stale, "n")
	require.NoError(t, err)
	_, err = c.VerifyURL(sig, stale, "n", encrypted)
	require.Error(t, err)
	assert.Equal(t, CodeExpiredTimestamp, CodeOf(err))
}

func TestSignatureIsOrderIndependent(t *testing.T) {
	a := Signature("t", "1", "2", "enc")
	b := Signature("enc", "2", "1", "t")
	assert.Equal(t, a, b)
	assert.Len(t, a, 40)
}

func TestCodeOfNonCryptoError(t *testing.T) {
	assert.Equal(t, 0, CodeOf(nil))
	assert.Equal(t, 0, CodeOf(assert.AnError))
}

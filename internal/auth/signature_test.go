package auth

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateChannelAuth(t *testing.T) {
	const (
		key      = "app-key"
		secret   = "app-secret"
		socketID = "1234.5678"
		channel  = "private-orders"
	)

	sig := ChannelSignature(secret, socketID, channel, "")
	assert.True(t, ValidateChannelAuth(key, secret, socketID, channel, "", key+":"+sig))

	// wrong app key prefix
	assert.False(t, ValidateChannelAuth(key, secret, socketID, channel, "", "other:"+sig))

	// flipped signature byte
	bad := []byte(sig)
	if bad[0] == 'a' {
		bad[0] = 'b'
	} else {
		bad[0] = 'a'
	}
	assert.False(t, ValidateChannelAuth(key, secret, socketID, channel, "", key+":"+string(bad)))

	// wrong secret
	otherSig := ChannelSignature("other-secret", socketID, channel, "")
	assert.False(t, ValidateChannelAuth(key, secret, socketID, channel, "", key+":"+otherSig))

	// missing separator
	assert.False(t, ValidateChannelAuth(key, secret, socketID, channel, "", sig))
}

func TestChannelSignaturePresenceIncludesChannelData(t *testing.T) {
	channelData := `{"user_id":"u1","user_info":{"name":"alice"}}`
	withData := ChannelSignature("s", "1.2", "presence-room", channelData)
	withoutData := ChannelSignature("s", "1.2", "presence-room", "")
	assert.NotEqual(t, withData, withoutData)
}

func TestRequestSignatureSortsAndExcludes(t *testing.T) {
	params := url.Values{}
	params.Set("auth_key", "app-key")
	params.Set("auth_timestamp", "1700000000")
	params.Set("auth_version", "1.0")
	params.Set("auth_signature", "should-be-ignored")
	params.Set("appId", "ignored")
	params.Set("appKey", "ignored")
	params.Set("channelName", "ignored")

	sig := RequestSignature("secret", "post", "/apps/1/events", params, nil)

	// identical params minus the excluded ones produce the same signature
	clean := url.Values{}
	clean.Set("auth_key", "app-key")
	clean.Set("auth_timestamp", "1700000000")
	clean.Set("auth_version", "1.0")
	assert.Equal(t, RequestSignature("secret", "POST", "/apps/1/events", clean, nil), sig)
}

func TestRequestSignatureBodyMD5(t *testing.T) {
	params := url.Values{}
	params.Set("auth_key", "k")

	empty := RequestSignature("secret", "POST", "/apps/1/events", params, nil)
	withBody := RequestSignature("secret", "POST", "/apps/1/events", params, []byte(`{"name":"x"}`))
	assert.NotEqual(t, empty, withBody)
}

func TestVerifyRequest(t *testing.T) {
	params := url.Values{}
	params.Set("auth_key", "k")
	params.Set("auth_timestamp", "1700000000")
	body := []byte(`{"name":"order-created","channel":"orders","data":"{}"}`)

	sig := RequestSignature("secret", "POST", "/apps/1/events", params, body)
	params.Set("auth_signature", sig)
	assert.True(t, VerifyRequest("secret", "POST", "/apps/1/events", params, body))

	// tampered body
	assert.False(t, VerifyRequest("secret", "POST", "/apps/1/events", params, []byte(`{}`)))

	// missing signature
	params.Del("auth_signature")
	assert.False(t, VerifyRequest("secret", "POST", "/apps/1/events", params, body))
}

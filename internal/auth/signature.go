// Package auth implements the two HMAC-SHA256 signature schemes of the
// protocol: the channel subscription auth string and the signed REST request
// canonical string.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// ChannelSignature computes the hex HMAC for a private/presence subscription.
// The message is "<socket_id>:<channel>" for private channels and
// "<socket_id>:<channel>:<channel_data>" for presence channels.
func ChannelSignature(secret, socketID, channel, channelData string) string {
	msg := socketID + ":" + channel
	if channelData != "" {
		msg += ":" + channelData
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateChannelAuth checks a subscribe "auth" string of the form
// "<app_key>:<hex_hmac>". Comparison is constant-time.
func ValidateChannelAuth(appKey, secret, socketID, channel, channelData, authStr string) bool {
	key, sig, ok := strings.Cut(authStr, ":")
	if !ok || key != appKey {
		return false
	}
	want := ChannelSignature(secret, socketID, channel, channelData)
	return hmac.Equal([]byte(want), []byte(sig))
}

// Parameters excluded from the REST canonical string.
var excludedParams = map[string]struct{}{
	"auth_signature": {},
	"body_md5":       {},
	"appId":          {},
	"appKey":         {},
	"channelName":    {},
}

// RequestSignature computes the hex HMAC for a signed REST request. The
// canonical string is "<METHOD>\n<path>\nkey1=value1&key2=value2..." with
// lexicographically sorted keys. A non-empty body contributes a body_md5
// pair; the auth_signature parameter itself is never part of the string.
func RequestSignature(secret, method, path string, params url.Values, body []byte) string {
	pairs := make([]string, 0, len(params)+1)
	for key, values := range params {
		if _, skip := excludedParams[key]; skip {
			continue
		}
		if len(values) == 0 {
			continue
		}
		pairs = append(pairs, key+"="+values[0])
	}
	if len(body) > 0 {
		sum := md5.Sum(body)
		pairs = append(pairs, "body_md5="+hex.EncodeToString(sum[:]))
	}
	sort.Strings(pairs)

	canonical := strings.ToUpper(method) + "\n" + path + "\n" + strings.Join(pairs, "&")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyRequest checks the auth_signature parameter of a signed REST request.
func VerifyRequest(secret, method, path string, params url.Values, body []byte) bool {
	given := params.Get("auth_signature")
	if given == "" {
		return false
	}
	want := RequestSignature(secret, method, path, params, body)
	return hmac.Equal([]byte(want), []byte(given))
}

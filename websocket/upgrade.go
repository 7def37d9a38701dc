package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strings"
)

// from RFC 6455
var keyGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// AcceptKey computes the Sec-WebSocket-Accept digest for a client challenge
// key: base64(SHA1(key || keyGUID)).
func AcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write(keyGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// IsUpgradeRequest reports whether the headers form a valid WebSocket
// upgrade request: Upgrade is "websocket", Connection contains "Upgrade"
// (both case-insensitive), the version is 13 and a challenge key is present.
func IsUpgradeRequest(h http.Header) bool {
	if !strings.EqualFold(h.Get("Upgrade"), "websocket") {
		return false
	}
	if !headerContainsToken(h, "Connection", "upgrade") {
		return false
	}
	if h.Get("Sec-WebSocket-Version") != "13" {
		return false
	}
	return h.Get("Sec-WebSocket-Key") != ""
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

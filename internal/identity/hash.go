package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// Hasher produces keyed digests of untrusted identity signals. Everything
// persisted or sent to the counter store passes through here first, so the
// stores only ever see values that are unrecoverable without the secret.
type Hasher struct {
	secret []byte
}

// NewHasher creates a hasher bound to the server-side secret.
func NewHasher(secret string) *Hasher {
	return &Hasher{secret: []byte(secret)}
}

// Hash returns the hex HMAC-SHA256 of value. kind domain-separates the
// signal classes so a fingerprint can never collide with a client id.
func (h *Hasher) Hash(kind, value string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(kind))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashAddr hashes a network address bucketed to its /24 (IPv4) or /64 (IPv6)
// prefix. One NAT'd household shares a bucket; the raw address is discarded.
func (h *Hasher) HashAddr(addr string) string {
	return h.Hash("ip", bucketAddr(addr))
}

func bucketAddr(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(64, 128)).String()
}

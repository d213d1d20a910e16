package identity

import "testing"

func TestHashIsKeyedAndDomainSeparated(t *testing.T) {
	h := NewHasher("secret-a")

	if h.Hash("cid", "value") == h.Hash("fp", "value") {
		t.Error("different kinds should produce different digests")
	}

	other := NewHasher("secret-b")
	if h.Hash("cid", "value") == other.Hash("cid", "value") {
		t.Error("different secrets should produce different digests")
	}
}

func TestHashAddrBucketsNeighbors(t *testing.T) {
	h := NewHasher("secret")

	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"same ipv4 /24", "203.0.113.7:51000", "203.0.113.250:80", true},
		{"different ipv4 /24", "203.0.113.7:51000", "203.0.114.7:51000", false},
		{"same ipv6 /64", "[2001:db8:1:2:aaaa::1]:443", "[2001:db8:1:2:bbbb::9]:80", true},
		{"different ipv6 /64", "[2001:db8:1:2::1]:443", "[2001:db8:1:3::1]:443", false},
		{"port is ignored", "203.0.113.7:1", "203.0.113.7:65000", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.HashAddr(tt.a) == h.HashAddr(tt.b)
			if got != tt.same {
				t.Errorf("HashAddr(%q) == HashAddr(%q) = %v, want %v", tt.a, tt.b, got, tt.same)
			}
		})
	}
}

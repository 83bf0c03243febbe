package ratelimit

import (
	"net"
	"net/http"
	"testing"
)

func TestAllow_BurstThenThrottle(t *testing.T) {
	rl := New(1, 2)

	if !rl.Allow("1.2.3.4") {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow("1.2.3.4") {
		t.Fatal("expected second request (within burst) to be allowed")
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("expected third request to be throttled")
	}
}

func TestAllow_PerSourceIndependent(t *testing.T) {
	rl := New(1, 1)

	if !rl.Allow("1.1.1.1") {
		t.Fatal("expected first source's request to be allowed")
	}
	if !rl.Allow("2.2.2.2") {
		t.Fatal("expected independent source to have its own bucket")
	}
}

func TestClientIP_PrefersForwardedFor(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	req.RemoteAddr = "127.0.0.1:54321"

	if got := ClientIP(req); got != "9.9.9.9" {
		t.Errorf("ClientIP() = %q, want 9.9.9.9", got)
	}
}

func TestClientIP_FallsBackToRemoteAddr(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "/x", nil)
	req.RemoteAddr = "127.0.0.1:54321"

	if got := ClientIP(req); got != "127.0.0.1" {
		t.Errorf("ClientIP() = %q, want 127.0.0.1", got)
	}
}

func TestConnKey_TCPKeysByIP(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 5555}
	if got := ConnKey(addr); got != "10.0.0.5" {
		t.Errorf("ConnKey() = %q, want 10.0.0.5", got)
	}
}

func TestConnKey_UnixSocketsShareOneBucket(t *testing.T) {
	a := ConnKey(&net.UnixAddr{Name: "", Net: "unix"})
	b := ConnKey(&net.UnixAddr{Name: "@", Net: "unix"})
	if a != b {
		t.Errorf("expected all unix socket connections to share a bucket key, got %q and %q", a, b)
	}
	if a != unixSocketBucketKey {
		t.Errorf("ConnKey() = %q, want %q", a, unixSocketBucketKey)
	}
}

func TestConnKey_DistinguishesTCPFromUnix(t *testing.T) {
	tcp := ConnKey(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	unix := ConnKey(&net.UnixAddr{Name: "", Net: "unix"})
	if tcp == unix {
		t.Errorf("expected TCP and unix socket keys to differ, both were %q", tcp)
	}
}

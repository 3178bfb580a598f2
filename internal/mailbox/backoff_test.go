package mailbox

import (
	"errors"
	"testing"
	"time"
)

func TestIsSecurityError(t *testing.T) {
	security := []string{
		"tls: handshake failure",
		"x509: certificate signed by unknown authority",
		"read: connection reset by peer",
		"write: broken pipe",
		"imap: protocol violation",
		"EOF occurred in violation of protocol",
		"SSL routines: wrong version number",
	}
	for _, msg := range security {
		if !IsSecurityError(errors.New(msg)) {
			t.Fatalf("%q should classify as security error", msg)
		}
	}
	generic := []string{
		"dial tcp: i/o timeout",
		"no route to host",
		"LOGIN failed",
	}
	for _, msg := range generic {
		if IsSecurityError(errors.New(msg)) {
			t.Fatalf("%q should not classify as security error", msg)
		}
	}
	if IsSecurityError(nil) {
		t.Fatalf("nil error is not a security error")
	}
}

func TestDelaySecurityShape(t *testing.T) {
	err := errors.New("tls: handshake failure")
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 3 * time.Second},
		{1, 6 * time.Second},
		{2, 12 * time.Second},
		{3, 24 * time.Second},
		{4, 48 * time.Second},
		{5, 96 * time.Second},
		{7, 300 * time.Second}, // 3*2^7=384, capped
		{20, 300 * time.Second},
	}
	for _, c := range cases {
		if got := Delay(err, c.n); got != c.want {
			t.Fatalf("security Delay(n=%d) = %v, want %v", c.n, got, c.want)
		}
	}
}

func TestDelayGenericShape(t *testing.T) {
	err := errors.New("dial tcp: i/o timeout")
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 3 * time.Second},
		{1, 4500 * time.Millisecond},
		{2, 6750 * time.Millisecond},
		{6, 192 * time.Second},  // switches to doubling: 3*2^6
		{10, 300 * time.Second}, // capped
	}
	for _, c := range cases {
		if got := Delay(err, c.n); got != c.want {
			t.Fatalf("generic Delay(n=%d) = %v, want %v", c.n, got, c.want)
		}
	}
	// the early phase grows slower than the security ladder
	if Delay(err, 3) >= Delay(errors.New("tls handshake"), 3) {
		t.Fatalf("generic backoff should grow slower than security backoff")
	}
}

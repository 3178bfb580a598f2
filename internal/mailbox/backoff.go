package mailbox

import (
	"math"
	"strings"
	"time"
)

// Substrings that mark a TLS/transport-security failure. These get a
// steeper, shorter-capped backoff because they usually clear quickly
// (proxy restarts, certificate rollover) and retrying slowly just
// delays recovery.
var securityMarkers = []string{
	"handshake",
	"certificate",
	"reset",
	"broken pipe",
	"protocol violation",
	"ssl",
	"tls",
	"eof occurred in violation",
}

// IsSecurityError classifies a connection error by message content. The
// IMAP and TLS layers do not expose typed errors for these cases.
func IsSecurityError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range securityMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

const backoffBase = 3 * time.Second

// Delay computes the reconnect backoff for the n-th consecutive failure
// (n starts at 0).
//
// Security-class errors double aggressively but cap at 60s for the
// first few attempts, then at 5 minutes. Generic errors grow at 1.5x up
// to 2 minutes, then double up to 5 minutes.
func Delay(err error, n int) time.Duration {
	base := backoffBase.Seconds()
	var secs float64
	if IsSecurityError(err) {
		secs = base * math.Pow(2, float64(n))
		if n <= 3 {
			secs = math.Min(secs, 60)
		} else {
			secs = math.Min(secs, 300)
		}
	} else {
		if n <= 5 {
			secs = math.Min(base*math.Pow(1.5, float64(n)), 120)
		} else {
			secs = math.Min(base*math.Pow(2, float64(n)), 300)
		}
	}
	return time.Duration(secs * float64(time.Second))
}

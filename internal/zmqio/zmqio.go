// Package zmqio collects the small pieces of ZMQ socket plumbing shared by
// the four wire-protocol transports (cscp, chp, monitoring, cdtp): binding
// to an ephemeral-or-fixed port and recognising a recv timeout as "nothing
// waiting for us" rather than a real transport error.
//
// Constellation's original Python implementation makes exactly this check
// in CMDPTransmitter.recv (constellation/core/cmdp.py): a ZMQError whose
// strerror doesn't mention "Resource temporarily unavailable" is a real
// error; this is the Go-idiomatic equivalent using the stringified error,
// since pebbe/zmq4 surfaces EAGAIN as a generic *zmq4.Error wrapping the
// platform errno text rather than a typed sentinel.
package zmqio

import "strings"

// IsTimeout reports whether err represents a socket recv timeout (EAGAIN),
// as opposed to a genuine transport error.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "resource temporarily unavailable") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "timeout")
}

// BindAddr formats a tcp:// bind address for the given interface and port;
// port 0 requests an ephemeral bind (spec.md §6).
func BindAddr(iface string, port int) string {
	if iface == "" {
		iface = "*"
	}
	return "tcp://" + iface + ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ParsePort extracts the port number from a "tcp://host:port" endpoint
// string, as returned by a ZMQ socket's last-endpoint query after an
// ephemeral bind.
func ParsePort(endpoint string) int {
	for i := len(endpoint) - 1; i >= 0; i-- {
		if endpoint[i] == ':' {
			n := 0
			for _, c := range endpoint[i+1:] {
				if c < '0' || c > '9' {
					return 0
				}
				n = n*10 + int(c-'0')
			}
			return n
		}
	}
	return 0
}

// Package proxyproto implements a minimal PROXY protocol v1 writer/reader,
// used by the TLS MITM proxy to hand the HTTP proxy the real client
// address instead of loopback.
package proxyproto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/clawpot/clawpotd/internal/errx"
)

var (
	// ErrHeaderTooLong guards against an unbounded read on a connection
	// that never sends a newline.
	ErrHeaderTooLong = errors.New("proxyproto: header exceeds 256 bytes")
	// ErrMalformed is returned for anything not matching the six-token
	// "PROXY TCP4 <src-ip> <dst-ip> <src-port> <dst-port>" line.
	ErrMalformed = errors.New("proxyproto: malformed header")
)

const maxHeaderLen = 256

// WriteHeader writes a PROXY protocol v1 line for a TCP4 connection.
func WriteHeader(w io.Writer, client, server *net.TCPAddr) error {
	line := fmt.Sprintf("PROXY TCP4 %s %s %d %d\r\n",
		client.IP.String(), server.IP.String(), client.Port, server.Port)
	_, err := w.Write([]byte(line))
	return err
}

// ReadHeader reads a PROXY protocol v1 line byte-by-byte (so it works on
// a raw net.Conn without a buffered reader stealing bytes meant for the
// next protocol layer) and returns the original client IP.
func ReadHeader(r io.Reader) (net.IP, error) {
	line := make([]byte, 0, 108)
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errx.Wrap(ErrMalformed, err)
		}
		line = append(line, buf[0])
		if buf[0] == '\n' {
			break
		}
		if len(line) > maxHeaderLen {
			return nil, ErrHeaderTooLong
		}
	}
	return parseLine(line)
}

func parseLine(line []byte) (net.IP, error) {
	text := strings.TrimSpace(string(line))
	parts := strings.Fields(text)
	if len(parts) != 6 || parts[0] != "PROXY" || parts[1] != "TCP4" {
		return nil, errx.With(ErrMalformed, " %q", text)
	}

	ip := net.ParseIP(parts[2])
	if ip == nil {
		return nil, errx.With(ErrMalformed, " invalid source IP %q", parts[2])
	}
	if net.ParseIP(parts[3]) == nil {
		return nil, errx.With(ErrMalformed, " invalid destination IP %q", parts[3])
	}
	for _, p := range parts[4:] {
		if n, err := strconv.Atoi(p); err != nil || n < 0 || n > 65535 {
			return nil, errx.With(ErrMalformed, " invalid port %q", p)
		}
	}
	return ip, nil
}

// ReadHeaderBuffered is like ReadHeader but reads through a *bufio.Reader,
// for callers that already buffer the connection (e.g. once the PROXY
// line is consumed, the remaining buffered bytes are the HTTP request).
func ReadHeaderBuffered(r *bufio.Reader) (net.IP, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, errx.Wrap(ErrMalformed, err)
	}
	return parseLine([]byte(line))
}

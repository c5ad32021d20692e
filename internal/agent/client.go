// Package agent implements the host-side client for the in-guest agent:
// a CONNECT handshake over a host/guest
// datagram socket, followed by a length-prefixed CBOR-framed RPC stream
// offering a health probe and synchronous/streamed command execution.
package agent

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/clawpot/clawpotd/internal/errx"
)

const (
	execTimeout       = 5 * time.Minute
	waitReadyInterval = 500 * time.Millisecond
	dialTimeout       = 2 * time.Second
)

// Client talks to one VM's in-guest agent over its host-side datagram
// socket path.
type Client struct {
	socketPath string
}

// New returns a client for the datagram socket at socketPath (the
// host-exposed Unix socket path for a VM's vsock device).
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// dial connects to the datagram socket and performs the CONNECT
// handshake, returning a stream ready for framed RPC.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, errx.Wrap(ErrDial, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", Port); err != nil {
		conn.Close()
		return nil, errx.Wrap(ErrHandshake, err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, errx.Wrap(ErrHandshake, err)
	}
	if !strings.HasPrefix(line, "OK") {
		conn.Close()
		return nil, errx.With(ErrHandshake, " unexpected response %q", strings.TrimSpace(line))
	}

	return conn, nil
}

// Health probes the agent and returns its reported version and uptime.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return HealthResponse{}, err
	}
	defer conn.Close()

	if err := writeFrame(conn, msgHealthRequest, struct{}{}); err != nil {
		return HealthResponse{}, err
	}

	msgType, payload, err := readFrame(conn)
	if err != nil {
		return HealthResponse{}, err
	}
	if msgType != msgHealthResponse {
		return HealthResponse{}, errx.With(ErrDecode, " unexpected message type %d", msgType)
	}

	var resp HealthResponse
	if err := cbor.Unmarshal(payload, &resp); err != nil {
		return HealthResponse{}, errx.Wrap(ErrDecode, err)
	}
	return resp, nil
}

// WaitReady polls connect+health on waitReadyInterval until it succeeds
// or timeout elapses. A VM that never answers is still reachable for
// later Exec calls; callers log this as a non-fatal agent_timeout event.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		_, err := c.Health(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errx.Wrap(ErrNotReady, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitReadyInterval):
		}
	}
}

// ExecResult is the synchronous exec outcome.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Exec runs a command to completion, bounded by a 5 minute timeout.
func (c *Client) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return ExecResult{}, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := writeFrame(conn, msgExecRequest, req); err != nil {
		return ExecResult{}, err
	}

	msgType, payload, err := readFrame(conn)
	if err != nil {
		return ExecResult{}, err
	}
	if msgType != msgExecResponse {
		return ExecResult{}, errx.With(ErrDecode, " unexpected message type %d", msgType)
	}

	var resp ExecResponse
	if err := cbor.Unmarshal(payload, &resp); err != nil {
		return ExecResult{}, errx.Wrap(ErrDecode, err)
	}
	result := ExecResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}
	if resp.Error != "" {
		return result, errx.With(ErrDecode, " agent reported error: %s", resp.Error)
	}
	return result, nil
}

// Chunk is one message of a streamed execution: stdout/stderr data, or
// (on the final chunk) the process exit code.
type Chunk struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode *int
}

// StreamSession is an in-progress streamed execution. Stdin writes and
// the close-stdin signal may be sent concurrently with Chunks being
// drained.
type StreamSession struct {
	conn   net.Conn
	Chunks <-chan Chunk
	errc   <-chan error
}

// Stream starts a streamed execution: later WriteStdin/CloseStdin calls feed
// the guest process's stdin, and Chunks yields stdout/stderr data ending
// in a chunk carrying ExitCode.
func (c *Client) Stream(ctx context.Context, start StreamStart) (*StreamSession, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	if err := writeFrame(conn, msgStreamStart, start); err != nil {
		conn.Close()
		return nil, err
	}

	chunks := make(chan Chunk)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		for {
			msgType, payload, err := readFrame(conn)
			if err != nil {
				errc <- err
				return
			}
			switch msgType {
			case msgStreamStdout:
				chunks <- Chunk{Stdout: payload}
			case msgStreamStderr:
				chunks <- Chunk{Stderr: payload}
			case msgStreamExit:
				var exit StreamExit
				if err := cbor.Unmarshal(payload, &exit); err != nil {
					errc <- errx.Wrap(ErrDecode, err)
					return
				}
				code := exit.ExitCode
				chunks <- Chunk{ExitCode: &code}
				errc <- nil
				return
			default:
				errc <- errx.With(ErrDecode, " unexpected message type %d", msgType)
				return
			}
		}
	}()

	return &StreamSession{conn: conn, Chunks: chunks, errc: errc}, nil
}

// WriteStdin forwards data to the guest process's stdin.
func (s *StreamSession) WriteStdin(data []byte) error {
	return writeRawFrame(s.conn, msgStreamStdin, data)
}

// CloseStdin signals end-of-input to the guest process.
func (s *StreamSession) CloseStdin() error {
	return writeFrame(s.conn, msgStreamCloseStdin, struct{}{})
}

// Err returns the terminal error of the stream, if any; valid only after
// Chunks is closed.
func (s *StreamSession) Err() error {
	select {
	case err := <-s.errc:
		return err
	default:
		return nil
	}
}

// Close releases the underlying connection.
func (s *StreamSession) Close() error {
	return s.conn.Close()
}

func writeFrame(w io.Writer, msgType byte, v interface{}) error {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return errx.Wrap(ErrEncode, err)
	}

	header := make([]byte, 5)
	header[0] = msgType
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return errx.Wrap(ErrEncode, err)
	}
	if _, err := w.Write(payload); err != nil {
		return errx.Wrap(ErrEncode, err)
	}
	return nil
}

// writeRawFrame writes a frame whose payload is already a raw byte
// stream (stdin/stdout/stderr chunks), skipping CBOR encoding since
// there is no structure to it.
func writeRawFrame(w io.Writer, msgType byte, payload []byte) error {
	header := make([]byte, 5)
	header[0] = msgType
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return errx.Wrap(ErrEncode, err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errx.Wrap(ErrEncode, err)
		}
	}
	return nil
}

func readFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, errx.Wrap(ErrDecode, err)
	}

	length := binary.BigEndian.Uint32(header[1:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, errx.Wrap(ErrDecode, err)
		}
	}
	return header[0], payload, nil
}

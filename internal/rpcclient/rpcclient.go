// Package rpcclient is the thin dialer clawpotctl uses to speak the
// newline-delimited JSON-RPC protocol internal/rpcserver exposes.
package rpcclient

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawpot/clawpotd/internal/rpcserver"
)

var ErrDial = errors.New("rpcclient: dial")

// RPCError wraps a server-reported JSON-RPC error so callers can
// inspect its code alongside errors.Is-style handling.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a connection to one clawpotd RPC server. Not safe to share
// a single in-flight call across goroutines reusing the same ID, but
// concurrent calls on distinct IDs are fine: the server answers one
// line per request regardless of arrival order, so Client here keeps
// exactly one request in flight at a time for simplicity.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	nextID atomic.Uint64
	mu     sync.Mutex
}

// Dial connects to a clawpotd control RPC listener.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDial, addr, err)
	}
	return &Client{conn: conn, reader: bufio.NewReaderSize(conn, 64*1024)}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(method string, params, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = b
	}

	id := c.nextID.Add(1)
	req := rpcserver.Request{JSONRPC: "2.0", Method: method, Params: raw, ID: &id}
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return err
	}

	respLine, err := c.reader.ReadBytes('\n')
	if err != nil {
		return err
	}

	var resp rpcserver.Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if result == nil {
		return nil
	}

	b, err := json.Marshal(resp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, result)
}

// CreateVM calls create_vm.
func (c *Client) CreateVM(vcpuCount, memSizeMiB int) (rpcserver.CreateVMResult, error) {
	var result rpcserver.CreateVMResult
	err := c.call("create_vm", rpcserver.CreateVMParams{VcpuCount: vcpuCount, MemSizeMiB: memSizeMiB}, &result)
	return result, err
}

// DeleteVM calls delete_vm.
func (c *Client) DeleteVM(vmID string) error {
	return c.call("delete_vm", rpcserver.DeleteVMParams{VMID: vmID}, &rpcserver.DeleteVMResult{})
}

// ListVMs calls list_vms.
func (c *Client) ListVMs() ([]rpcserver.VMInfo, error) {
	var result rpcserver.ListVMsResult
	err := c.call("list_vms", struct{}{}, &result)
	return result.VMs, err
}

// ExecVM calls exec_vm.
func (c *Client) ExecVM(vmID, command string, args []string, env map[string]string, workingDir string) (rpcserver.ExecVMResult, error) {
	var result rpcserver.ExecVMResult
	err := c.call("exec_vm", rpcserver.ExecVMParams{
		VMID: vmID, Command: command, Args: args, Env: env, WorkingDir: workingDir,
	}, &result)
	return result, err
}

// StreamChunk is one message of a streamed execution: stdout/stderr
// data, or (on the final chunk) the process exit code.
type StreamChunk struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode *int
}

// Stream is an in-progress exec_vm_stream session (the optional
// streamed exec variant). It holds the Client's connection exclusively
// for its lifetime: no other call may run on the same Client until the
// stream ends and Chunks closes.
type Stream struct {
	client   *Client
	streamID uint64
	Chunks   <-chan StreamChunk
	errc     <-chan error
}

// StreamExec starts a streamed execution. WriteStdin/CloseStdin feed
// the guest process; Chunks yields stdout/stderr data ending in a chunk
// carrying ExitCode.
func (c *Client) StreamExec(vmID, command string, args []string, env map[string]string, workingDir string) (*Stream, error) {
	c.mu.Lock()

	id := c.nextID.Add(1)
	params := rpcserver.ExecVMStreamParams{VMID: vmID, Command: command, Args: args, Env: env, WorkingDir: workingDir}
	raw, err := json.Marshal(params)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	req := rpcserver.Request{JSONRPC: "2.0", Method: "exec_vm_stream", Params: raw, ID: &id}
	line, err := json.Marshal(req)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	frame, err := c.readStreamFrame()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	chunks := make(chan StreamChunk)
	errc := make(chan error, 1)
	stream := &Stream{client: c, streamID: frame.StreamID, Chunks: chunks, errc: errc}

	go func() {
		defer close(chunks)
		defer c.mu.Unlock()
		for {
			f, err := c.readStreamFrame()
			if err != nil {
				errc <- err
				return
			}
			switch f.Type {
			case "stdout":
				chunks <- StreamChunk{Stdout: f.Data}
			case "stderr":
				chunks <- StreamChunk{Stderr: f.Data}
			case "exit":
				chunks <- StreamChunk{ExitCode: f.ExitCode}
				errc <- nil
				return
			}
		}
	}()

	return stream, nil
}

// readStreamFrame reads one response line and decodes its result as a
// StreamFrame, surfacing a server-reported error as *RPCError. Frames
// this client doesn't recognize (e.g. a stream_stdin ack with no Type)
// decode to a zero-value StreamFrame and are silently skipped by the
// caller's type switch.
func (c *Client) readStreamFrame() (rpcserver.StreamFrame, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return rpcserver.StreamFrame{}, err
	}

	var resp rpcserver.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return rpcserver.StreamFrame{}, err
	}
	if resp.Error != nil {
		return rpcserver.StreamFrame{}, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	b, err := json.Marshal(resp.Result)
	if err != nil {
		return rpcserver.StreamFrame{}, err
	}
	var frame rpcserver.StreamFrame
	if err := json.Unmarshal(b, &frame); err != nil {
		return rpcserver.StreamFrame{}, err
	}
	return frame, nil
}

// WriteStdin forwards data to the guest process's stdin.
func (s *Stream) WriteStdin(data []byte) error {
	return s.client.sendStreamNotify("stream_stdin", s.streamID, data)
}

// CloseStdin signals end-of-input to the guest process.
func (s *Stream) CloseStdin() error {
	return s.client.sendStreamNotify("stream_close_stdin", s.streamID, nil)
}

// Err returns the terminal error of the stream, if any; valid only
// after Chunks is closed.
func (s *Stream) Err() error {
	select {
	case err := <-s.errc:
		return err
	default:
		return nil
	}
}

// sendStreamNotify writes a stream_stdin/stream_close_stdin request
// with no id: the server's ack is read (and silently ignored, since its
// result has no recognized Type) by the Stream's own reading goroutine,
// so this write needs no reply of its own. Safe to call concurrently
// with that goroutine's reads: one goroutine writing while another
// reads the same net.Conn requires no extra synchronization.
func (c *Client) sendStreamNotify(method string, streamID uint64, data []byte) error {
	raw, err := json.Marshal(rpcserver.StreamStdinParams{StreamID: streamID, Data: data})
	if err != nil {
		return err
	}
	line, err := json.Marshal(rpcserver.Request{JSONRPC: "2.0", Method: method, Params: raw})
	if err != nil {
		return err
	}
	_, err = c.conn.Write(append(line, '\n'))
	return err
}

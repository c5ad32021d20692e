package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/clawpot/clawpotd/internal/agent"
	"github.com/clawpot/clawpotd/internal/clawpoterr"
	"github.com/clawpot/clawpotd/internal/orchestrator"
	"github.com/google/uuid"
)

// DefaultListenAddr serves every interface.
const DefaultListenAddr = "0.0.0.0:50051"

var ErrListen = errors.New("rpcserver: listen")

const maxLineSize = 16 * 1024 * 1024

// Server accepts TCP connections and dispatches newline-delimited
// JSON-RPC requests to an Orchestrator. It fronts many concurrent
// client connections: one accept-loop goroutine plus one reader
// goroutine per connection, plus one handler goroutine per request
// within it.
type Server struct {
	ln   net.Listener
	orch *orchestrator.Orchestrator
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	nextStreamID atomic.Uint64
}

// connStreams correlates a connection's in-progress exec_vm_stream
// sessions with the stream_id the server handed back in each session's
// "started" frame, so later stream_stdin/stream_close_stdin calls on
// the same connection can find the right agent.StreamSession.
type connStreams struct {
	mu      sync.Mutex
	entries map[uint64]*agent.StreamSession
}

func newConnStreams() *connStreams {
	return &connStreams{entries: make(map[uint64]*agent.StreamSession)}
}

func (c *connStreams) put(id uint64, s *agent.StreamSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = s
}

func (c *connStreams) get(id uint64) (*agent.StreamSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[id]
	return s, ok
}

func (c *connStreams) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

func (c *connStreams) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.entries {
		s.Close()
	}
}

// New binds the listener but does not start serving; call Start.
func New(listenAddr string, orch *orchestrator.Orchestrator, log *slog.Logger) (*Server, error) {
	if listenAddr == "" {
		listenAddr = DefaultListenAddr
	}
	if log == nil {
		log = slog.Default()
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrListen, listenAddr, err)
	}

	return &Server{ln: ln, orch: orch, log: log}, nil
}

// Addr returns the listener's bound address, useful when listenAddr was
// ":0" and the caller needs to discover the chosen port.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Start begins accepting connections in a background goroutine.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.acceptLoop()
}

// Close stops the listener and waits for every accepted connection's
// handler to return. A handler serves requests until its client closes
// the connection; Close does not close open client connections. Safe to
// call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.ln.Close()
	s.wg.Wait()
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.log.Warn("rpcserver accept failed", "err", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	var reqWG sync.WaitGroup
	streams := newConnStreams()
	defer streams.closeAll()
	defer reqWG.Wait()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			writeResponse(conn, &writeMu, &Response{JSONRPC: "2.0", Error: &Error{Code: ErrCodeParse, Message: "parse error"}})
			continue
		}

		reqCopy := req
		reqWG.Add(1)
		go func() {
			defer reqWG.Done()
			resp := s.dispatch(context.Background(), &reqCopy, conn, &writeMu, &reqWG, streams)
			if resp != nil {
				writeResponse(conn, &writeMu, resp)
			}
		}()
	}
}

func writeResponse(conn net.Conn, mu *sync.Mutex, resp *Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	payload = append(payload, '\n')

	mu.Lock()
	defer mu.Unlock()
	_, _ = conn.Write(payload)
}

func (s *Server) dispatch(ctx context.Context, req *Request, conn net.Conn, writeMu *sync.Mutex, reqWG *sync.WaitGroup, streams *connStreams) *Response {
	switch req.Method {
	case "create_vm":
		return s.handleCreateVM(ctx, req)
	case "delete_vm":
		return s.handleDeleteVM(ctx, req)
	case "list_vms":
		return s.handleListVMs(req)
	case "exec_vm":
		return s.handleExecVM(ctx, req)
	case "exec_vm_stream":
		return s.handleExecVMStream(ctx, req, conn, writeMu, reqWG, streams)
	case "stream_stdin":
		return s.handleStreamStdin(req, streams)
	case "stream_close_stdin":
		return s.handleStreamCloseStdin(req, streams)
	default:
		return errorResponse(req.ID, ErrCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleCreateVM(ctx context.Context, req *Request) *Response {
	var params CreateVMParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, ErrCodeInvalidParams, err.Error())
		}
	}

	result, err := s.orch.CreateVM(ctx, orchestrator.CreateRequest{
		VcpuCount:  params.VcpuCount,
		MemSizeMiB: params.MemSizeMiB,
	})
	if err != nil {
		return classifiedErrorResponse(req.ID, err)
	}

	return &Response{JSONRPC: "2.0", ID: req.ID, Result: CreateVMResult{
		VMID:              result.ID.String(),
		IPv4:              result.IPv4.String(),
		ControlSocketPath: result.ControlSocketPath,
	}}
}

func (s *Server) handleDeleteVM(ctx context.Context, req *Request) *Response {
	var params DeleteVMParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	id, err := uuid.Parse(params.VMID)
	if err != nil {
		return errorResponse(req.ID, ErrCodeInvalidArg, "malformed vm_id: "+params.VMID)
	}

	if err := s.orch.DeleteVM(ctx, id); err != nil {
		return classifiedErrorResponse(req.ID, err)
	}

	return &Response{JSONRPC: "2.0", ID: req.ID, Result: DeleteVMResult{Success: true}}
}

func (s *Server) handleListVMs(req *Request) *Response {
	infos := s.orch.ListVMs()
	vms := make([]VMInfo, 0, len(infos))
	for _, info := range infos {
		vms = append(vms, VMInfo{
			VMID:              info.ID.String(),
			State:             info.State,
			IPv4:              info.IPv4.String(),
			VcpuCount:         info.VcpuCount,
			MemSizeMiB:        info.MemSizeMiB,
			CreatedAtUnix:     info.CreatedAtUnix,
			ControlSocketPath: info.ControlSocketPath,
		})
	}

	return &Response{JSONRPC: "2.0", ID: req.ID, Result: ListVMsResult{VMs: vms}}
}

func (s *Server) handleExecVM(ctx context.Context, req *Request) *Response {
	var params ExecVMParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	id, err := uuid.Parse(params.VMID)
	if err != nil {
		return errorResponse(req.ID, ErrCodeInvalidArg, "malformed vm_id: "+params.VMID)
	}

	command := append([]string{params.Command}, params.Args...)
	result, err := s.orch.ExecVM(ctx, id, command, params.Env, params.WorkingDir)
	if err != nil {
		return classifiedErrorResponse(req.ID, err)
	}

	return &Response{JSONRPC: "2.0", ID: req.ID, Result: ExecVMResult{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}}
}

// handleExecVMStream starts a streamed execution (the optional
// streamed exec). Unlike every other method it answers with more than
// one line: a "started" frame carrying the stream_id, then one frame
// per stdout/stderr chunk, ending in an "exit" frame — all sharing the
// request's original id so a client can demultiplex by id. It returns
// nil because the frames are written directly rather than through the
// caller's single writeResponse call.
func (s *Server) handleExecVMStream(ctx context.Context, req *Request, conn net.Conn, writeMu *sync.Mutex, reqWG *sync.WaitGroup, streams *connStreams) *Response {
	var params ExecVMStreamParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	id, err := uuid.Parse(params.VMID)
	if err != nil {
		return errorResponse(req.ID, ErrCodeInvalidArg, "malformed vm_id: "+params.VMID)
	}

	command := append([]string{params.Command}, params.Args...)
	session, err := s.orch.StreamVM(ctx, id, command, params.Env, params.WorkingDir)
	if err != nil {
		return classifiedErrorResponse(req.ID, err)
	}

	streamID := s.nextStreamID.Add(1)
	streams.put(streamID, session)
	writeResponse(conn, writeMu, &Response{JSONRPC: "2.0", ID: req.ID, Result: StreamFrame{Type: "started", StreamID: streamID}})

	reqWG.Add(1)
	go func() {
		defer reqWG.Done()
		defer streams.remove(streamID)
		defer session.Close()

		for chunk := range session.Chunks {
			switch {
			case chunk.ExitCode != nil:
				writeResponse(conn, writeMu, &Response{JSONRPC: "2.0", ID: req.ID, Result: StreamFrame{Type: "exit", StreamID: streamID, ExitCode: chunk.ExitCode}})
			case chunk.Stderr != nil:
				writeResponse(conn, writeMu, &Response{JSONRPC: "2.0", ID: req.ID, Result: StreamFrame{Type: "stderr", StreamID: streamID, Data: chunk.Stderr}})
			default:
				writeResponse(conn, writeMu, &Response{JSONRPC: "2.0", ID: req.ID, Result: StreamFrame{Type: "stdout", StreamID: streamID, Data: chunk.Stdout}})
			}
		}
		if err := session.Err(); err != nil {
			writeResponse(conn, writeMu, &Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: ErrCodeUnavailable, Message: err.Error()}})
		}
	}()

	return nil
}

func (s *Server) handleStreamStdin(req *Request, streams *connStreams) *Response {
	var params StreamStdinParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	session, ok := streams.get(params.StreamID)
	if !ok {
		return errorResponse(req.ID, ErrCodeNotFound, "unknown stream_id")
	}
	if err := session.WriteStdin(params.Data); err != nil {
		return errorResponse(req.ID, ErrCodeUnavailable, err.Error())
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: StreamStdinResult{Success: true}}
}

func (s *Server) handleStreamCloseStdin(req *Request, streams *connStreams) *Response {
	var params StreamStdinParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	session, ok := streams.get(params.StreamID)
	if !ok {
		return errorResponse(req.ID, ErrCodeNotFound, "unknown stream_id")
	}
	if err := session.CloseStdin(); err != nil {
		return errorResponse(req.ID, ErrCodeUnavailable, err.Error())
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: StreamStdinResult{Success: true}}
}

func errorResponse(id *uint64, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}

// classifiedErrorResponse maps a clawpoterr sentinel onto the matching
// JSON-RPC error code.
func classifiedErrorResponse(id *uint64, err error) *Response {
	code := ErrCodeInternal
	switch clawpoterr.Kind(err) {
	case clawpoterr.ErrNotFound:
		code = ErrCodeNotFound
	case clawpoterr.ErrInvalidArgument:
		code = ErrCodeInvalidArg
	case clawpoterr.ErrResourceExhausted:
		code = ErrCodeExhausted
	case clawpoterr.ErrUnavailable:
		code = ErrCodeUnavailable
	case clawpoterr.ErrPermissionDenied:
		code = ErrCodePermission
	case clawpoterr.ErrTimeout:
		code = ErrCodeTimeout
	case clawpoterr.ErrInvalidState:
		code = ErrCodeInvalidState
	}
	return errorResponse(id, code, err.Error())
}

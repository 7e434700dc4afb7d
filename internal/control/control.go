// Package control implements the local IPC control channel (C9): a
// unix-domain stream socket framed with a 4-byte big-endian length prefix
// around a JSON request/response pair.
package control

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/taskforge/orchestrator/internal/applog"
)

const maxFrameSize = 1 << 20 // 1 MiB; guards against a malformed length prefix

// RequestType enumerates the supported IPC commands.
type RequestType string

const (
	RequestStatus    RequestType = "status"
	RequestPause     RequestType = "pause"
	RequestResume    RequestType = "resume"
	RequestShutdown  RequestType = "shutdown"
	RequestSkipTask  RequestType = "skip_task"
	RequestRetryTask RequestType = "retry_task"
)

// Request is the decoded JSON body of one IPC call.
type Request struct {
	Type   RequestType `json:"type"`
	Force  bool        `json:"force,omitempty"`
	ID     string      `json:"id,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Response is the decoded JSON body returned for one IPC call.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// Handler implements the effect of each Request type, typically by
// delegating to statemodel/scheduler/supervisor.
type Handler interface {
	Status(ctx context.Context) (interface{}, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Shutdown(ctx context.Context, force bool) error
	SkipTask(ctx context.Context, taskID, reason string) error
	RetryTask(ctx context.Context, taskID string) error
}

// Server listens on a unix-domain socket and dispatches each connection's
// single request/response exchange to a Handler.
type Server struct {
	socketPath string
	handler    Handler
	log        applog.Logger
	listener   net.Listener
}

// NewServer binds a unix-domain socket at socketPath (mode 0600, per
// spec.md §6.3), removing any stale socket file left by a crashed instance.
func NewServer(socketPath string, handler Handler) (*Server, error) {
	_ = os.Remove(socketPath) // best-effort: socket may not exist yet
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("control: chmod %s: %w", socketPath, err)
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		log:        applog.For("control"),
		listener:   listener,
	}, nil
}

// Serve accepts connections until ctx is done or the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Close removes the socket file and stops listening.
func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	req, err := readFrame(conn)
	if err != nil {
		s.log.Warning().Err(err).Log("control.read_failed")
		return
	}

	var request Request
	if err := json.Unmarshal(req, &request); err != nil {
		writeResponse(conn, Response{Success: false, Error: "malformed request", Code: "INVALID_ARGUMENT"})
		return
	}

	resp := s.dispatch(ctx, request)
	writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Type {
	case RequestStatus:
		data, err := s.handler.Status(ctx)
		if err != nil {
			return errResponse(err)
		}
		return Response{Success: true, Data: data}
	case RequestPause:
		if err := s.handler.Pause(ctx); err != nil {
			return errResponse(err)
		}
		return Response{Success: true}
	case RequestResume:
		if err := s.handler.Resume(ctx); err != nil {
			return errResponse(err)
		}
		return Response{Success: true}
	case RequestShutdown:
		if err := s.handler.Shutdown(ctx, req.Force); err != nil {
			return errResponse(err)
		}
		return Response{Success: true}
	case RequestSkipTask:
		if req.ID == "" {
			return Response{Success: false, Error: "id is required", Code: "INVALID_ARGUMENT"}
		}
		if err := s.handler.SkipTask(ctx, req.ID, req.Reason); err != nil {
			return errResponse(err)
		}
		return Response{Success: true}
	case RequestRetryTask:
		if req.ID == "" {
			return Response{Success: false, Error: "id is required", Code: "INVALID_ARGUMENT"}
		}
		if err := s.handler.RetryTask(ctx, req.ID); err != nil {
			return errResponse(err)
		}
		return Response{Success: true}
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown request type %q", req.Type), Code: "INVALID_ARGUMENT"}
	}
}

func errResponse(err error) Response {
	return Response{Success: false, Error: err.Error(), Code: "INTERNAL_ERROR"}
}

// readFrame reads the 4-byte big-endian length prefix (looping until all 4
// bytes arrive — a partial read never truncates the prefix) followed by
// exactly that many body bytes.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("control: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("control: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("control: read frame body: %w", err)
	}
	return body, nil
}

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(Response{Success: false, Error: "failed to marshal response", Code: "INTERNAL_ERROR"})
	}
	_ = writeFrame(w, data)
}

// Client is a minimal request/response client for the control socket, used
// by the CLI's --status/--stop flags.
type Client struct {
	socketPath string
}

// NewClient returns a Client targeting socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends req and returns the decoded Response.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("control: marshal request: %w", err)
	}
	if err := writeFrame(conn, body); err != nil {
		return nil, fmt.Errorf("control: write request: %w", err)
	}

	respBody, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("control: decode response: %w", err)
	}
	return &resp, nil
}

// ErrNoSocket is returned when the socket file for a plan doesn't exist,
// implying no orchestrator instance is running for it.
var ErrNoSocket = errors.New("control: no socket for this plan")

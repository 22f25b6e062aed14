package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"shuttle/internal/protocol"
)

const (
	dialTimeout    = 2 * time.Second
	callTimeout    = 10 * time.Second
	pollCallMargin = 10 * time.Second
)

// Client speaks the line-framed envelope protocol to the daemon. Calls are
// serialized per client; each request carries a fresh correlation id.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	encoder *json.Encoder
}

// Dial connects to the daemon socket at the given path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return nil, err
	}
	reader := bufio.NewReaderSize(conn, 64*1024)
	return &Client{conn: conn, reader: reader, encoder: json.NewEncoder(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Call sends one request and waits for its response. The deadline bounds the
// whole round trip; zero applies the default.
func (c *Client) Call(tool string, params any, deadline time.Duration) (protocol.Response, error) {
	if deadline <= 0 {
		deadline = callTimeout
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("marshal params: %w", err)
	}
	req := protocol.Request{ID: uuid.NewString(), Tool: tool, Params: raw}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetDeadline(time.Now().Add(deadline)); err != nil {
		return protocol.Response{}, fmt.Errorf("set deadline: %w", err)
	}
	if err := c.encoder.Encode(req); err != nil {
		return protocol.Response{}, fmt.Errorf("send request: %w", err)
	}

	line, err := c.readRecord()
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read response: %w", err)
	}

	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return protocol.Response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.ID != "" && resp.ID != req.ID {
		return protocol.Response{}, fmt.Errorf("correlation mismatch: sent %s, got %s", req.ID, resp.ID)
	}
	return resp, nil
}

func (c *Client) readRecord() ([]byte, error) {
	var record []byte
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		record = append(record, chunk...)
		if len(record) > protocol.MaxRecordBytes {
			return nil, fmt.Errorf("response exceeds %d bytes", protocol.MaxRecordBytes)
		}
		if !isPrefix {
			return record, nil
		}
	}
}

// Forward writes a pre-framed request record and returns the raw response
// record. Used by the serve bridge, which passes caller envelopes through
// without re-encoding them.
func (c *Client) Forward(record []byte, deadline time.Duration) ([]byte, error) {
	if deadline <= 0 {
		deadline = callTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetDeadline(time.Now().Add(deadline)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	if _, err := c.conn.Write(append(record, '\n')); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return c.readRecord()
}

func call[T any](c *Client, tool string, params any, deadline time.Duration) (*T, error) {
	resp, err := c.Call(tool, params, deadline)
	if err != nil {
		return nil, err
	}
	var out T
	if err := resp.DecodeData(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterWorker registers (or reclaims) a worker name.
func (c *Client) RegisterWorker(name string) (*protocol.RegisterData, error) {
	return call[protocol.RegisterData](c, protocol.ToolRegisterWorker, protocol.RegisterParams{Name: name}, 0)
}

// PollTask long-polls for the next task. The read deadline extends past the
// poll timeout so the daemon, not the transport, resolves the wait.
func (c *Client) PollTask(name string, timeout time.Duration) (*protocol.PollData, error) {
	params := protocol.PollParams{Name: name}
	deadline := pollCallMargin
	if timeout > 0 {
		params.TimeoutMS = int(timeout / time.Millisecond)
		deadline = timeout + pollCallMargin
	}
	return call[protocol.PollData](c, protocol.ToolPollTask, params, deadline)
}

// AckTask acknowledges a pending assignment.
func (c *Client) AckTask(name, beadID string) (*protocol.AckData, error) {
	return call[protocol.AckData](c, protocol.ToolAckTask, protocol.AckParams{Name: name, BeadID: beadID}, 0)
}

// SubmitTask offers a task id for dispatch.
func (c *Client) SubmitTask(beadID string) (*protocol.SubmitData, error) {
	return call[protocol.SubmitData](c, protocol.ToolSubmitTask, protocol.SubmitParams{BeadID: beadID}, 0)
}

// WorkerDone reports successful completion.
func (c *Client) WorkerDone(beadID string) (*protocol.DoneData, error) {
	return call[protocol.DoneData](c, protocol.ToolWorkerDone, protocol.DoneParams{BeadID: beadID}, 0)
}

// TaskFailed reports failure with a reason.
func (c *Client) TaskFailed(beadID, reason string) (*protocol.FailedData, error) {
	return call[protocol.FailedData](c, protocol.ToolTaskFailed, protocol.FailedParams{BeadID: beadID, Reason: reason}, 0)
}

// GetStatus fetches the daemon snapshot.
func (c *Client) GetStatus() (*protocol.StatusData, error) {
	return call[protocol.StatusData](c, protocol.ToolGetStatus, struct{}{}, 0)
}

// ResetWorker forces a worker back to idle.
func (c *Client) ResetWorker(name string) (*protocol.ResetData, error) {
	return call[protocol.ResetData](c, protocol.ToolResetWorker, protocol.ResetParams{WorkerName: name}, 0)
}

// RetryTask requeues a task at the front of the queue.
func (c *Client) RetryTask(beadID string) (*protocol.RetryData, error) {
	return call[protocol.RetryData](c, protocol.ToolRetryTask, protocol.RetryParams{BeadID: beadID}, 0)
}

// TaskHistory fetches recent journal events.
func (c *Client) TaskHistory(limit int) (*protocol.HistoryData, error) {
	return call[protocol.HistoryData](c, protocol.ToolTaskHistory, protocol.HistoryParams{Limit: limit}, 0)
}

// Shutdown requests a graceful daemon stop.
func (c *Client) Shutdown() (*protocol.ShutdownData, error) {
	return call[protocol.ShutdownData](c, protocol.ToolShutdown, struct{}{}, 0)
}

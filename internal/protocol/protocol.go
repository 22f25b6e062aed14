// Package protocol defines the line-framed JSON envelope spoken over the
// daemon's Unix socket. One record per line, UTF-8, capped at MaxRecordBytes.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxRecordBytes caps a single request or response record. Oversized records
// are rejected as protocol errors, never truncated.
const MaxRecordBytes = 1 << 20

// Error codes returned in failure envelopes.
const (
	CodeUnknownTool   = "UNKNOWN_TOOL"
	CodeInvalidParams = "INVALID_PARAMS"
	CodeInternal      = "INTERNAL"
	CodeTimeout       = "TIMEOUT"
)

// Request is a single tool invocation. ID is caller-supplied and echoed back
// on the response so callers can correlate over a shared connection.
type Request struct {
	ID     string          `json:"id"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries either a success payload or a coded error.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// OK builds a success response with the given payload.
func OK(id string, data any) (Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{}, fmt.Errorf("marshal response data: %w", err)
	}
	return Response{ID: id, Success: true, Data: raw}, nil
}

// Fail builds an error response.
func Fail(id, code, message string) Response {
	return Response{ID: id, Success: false, Error: code, Message: message}
}

// DecodeData unmarshals a success payload into out.
func (r Response) DecodeData(out any) error {
	if !r.Success {
		return fmt.Errorf("%s: %s", r.Error, r.Message)
	}
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}

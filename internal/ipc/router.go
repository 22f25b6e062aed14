package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"shuttle/internal/dispatch"
	"shuttle/internal/logging"
	"shuttle/internal/protocol"
)

// handlerError carries a protocol error code alongside the message.
type handlerError struct {
	code    string
	message string
}

func (e *handlerError) Error() string { return e.message }

func invalidParams(message string) *handlerError {
	return &handlerError{code: protocol.CodeInvalidParams, message: message}
}

// route validates the envelope, dispatches to the tool handler, and converts
// failures into structured error responses. Handler panics surface as
// INTERNAL instead of killing the connection.
func (s *Server) route(ctx context.Context, connID uint64, req protocol.Request) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				logging.String(logging.FieldTool, req.Tool),
				logging.Any("panic", r),
				logging.String(logging.FieldEventType, "ipc_handler_panic"))
			resp = protocol.Fail(req.ID, protocol.CodeInternal, "internal error")
		}
		s.logger.Debug("request handled", logging.Args(
			logging.String(logging.FieldRequestID, req.ID),
			logging.String(logging.FieldTool, req.Tool),
			logging.Bool("success", resp.Success))...)
	}()

	data, herr := s.dispatchTool(ctx, connID, req)
	if herr != nil {
		return protocol.Fail(req.ID, herr.code, herr.message)
	}
	ok, err := protocol.OK(req.ID, data)
	if err != nil {
		return protocol.Fail(req.ID, protocol.CodeInternal, err.Error())
	}
	return ok
}

func (s *Server) dispatchTool(ctx context.Context, connID uint64, req protocol.Request) (any, *handlerError) {
	switch req.Tool {
	case protocol.ToolRegisterWorker:
		return s.handleRegister(connID, req.Params)
	case protocol.ToolPollTask:
		return s.handlePoll(ctx, req.Params)
	case protocol.ToolAckTask:
		return s.handleAck(req.Params)
	case protocol.ToolSubmitTask:
		return s.handleSubmit(req.Params)
	case protocol.ToolWorkerDone:
		return s.handleDone(req.Params)
	case protocol.ToolTaskFailed:
		return s.handleFailed(req.Params)
	case protocol.ToolGetStatus:
		return s.handleStatus()
	case protocol.ToolResetWorker:
		return s.handleReset(req.Params)
	case protocol.ToolRetryTask:
		return s.handleRetry(req.Params)
	case protocol.ToolTaskHistory:
		return s.handleHistory(ctx, req.Params)
	case protocol.ToolShutdown:
		return s.handleShutdown()
	default:
		return nil, &handlerError{code: protocol.CodeUnknownTool, message: "unknown tool: " + req.Tool}
	}
}

func decodeParams(raw json.RawMessage, out any) *handlerError {
	if len(raw) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return invalidParams("invalid params: " + err.Error())
	}
	return nil
}

// requireID rejects empty and whitespace-only identifiers before any handler
// touches state. Without this, empty worker names produce collisions like
// "" and "-1".
func requireID(field, value string) *handlerError {
	if strings.TrimSpace(value) == "" {
		return invalidParams(field + " is required")
	}
	return nil
}

func (s *Server) handleRegister(connID uint64, raw json.RawMessage) (any, *handlerError) {
	var params protocol.RegisterParams
	if herr := decodeParams(raw, &params); herr != nil {
		return nil, herr
	}
	if herr := requireID("name", params.Name); herr != nil {
		return nil, herr
	}
	view, message := s.backend.Store.Register(connID, params.Name)
	return protocol.RegisterData{Worker: workerToWire(view), Message: message}, nil
}

func (s *Server) handlePoll(ctx context.Context, raw json.RawMessage) (any, *handlerError) {
	var params protocol.PollParams
	if herr := decodeParams(raw, &params); herr != nil {
		return nil, herr
	}
	if herr := requireID("name", params.Name); herr != nil {
		return nil, herr
	}
	if params.TimeoutMS < 0 {
		return nil, invalidParams("timeout_ms must not be negative")
	}
	timeout := s.backend.DefaultPollTimeout
	if params.TimeoutMS > 0 {
		timeout = time.Duration(params.TimeoutMS) * time.Millisecond
	}

	result, err := s.backend.Store.Poll(ctx, params.Name, timeout)
	if err != nil {
		return nil, logicalError(err)
	}
	if result.TimedOut {
		return protocol.PollData{Task: nil, Timeout: true}, nil
	}
	task := result.BeadID
	return protocol.PollData{Task: &task}, nil
}

func (s *Server) handleAck(raw json.RawMessage) (any, *handlerError) {
	var params protocol.AckParams
	if herr := decodeParams(raw, &params); herr != nil {
		return nil, herr
	}
	if herr := requireID("name", params.Name); herr != nil {
		return nil, herr
	}
	if herr := requireID("bead_id", params.BeadID); herr != nil {
		return nil, herr
	}
	view, err := s.backend.Store.Ack(params.Name, params.BeadID)
	if err != nil {
		return nil, logicalError(err)
	}
	return protocol.AckData{Worker: view.Name, BeadID: params.BeadID}, nil
}

func (s *Server) handleSubmit(raw json.RawMessage) (any, *handlerError) {
	var params protocol.SubmitParams
	if herr := decodeParams(raw, &params); herr != nil {
		return nil, herr
	}
	if herr := requireID("bead_id", params.BeadID); herr != nil {
		return nil, herr
	}
	result, err := s.backend.Store.Submit(params.BeadID)
	if err != nil {
		return nil, logicalError(err)
	}
	return protocol.SubmitData{Dispatched: result.Dispatched, Worker: result.Worker, BeadID: params.BeadID}, nil
}

func (s *Server) handleDone(raw json.RawMessage) (any, *handlerError) {
	var params protocol.DoneParams
	if herr := decodeParams(raw, &params); herr != nil {
		return nil, herr
	}
	if herr := requireID("bead_id", params.BeadID); herr != nil {
		return nil, herr
	}
	if _, err := s.backend.Store.Done(params.BeadID); err != nil {
		return nil, logicalError(err)
	}
	return protocol.DoneData{BeadID: params.BeadID}, nil
}

func (s *Server) handleFailed(raw json.RawMessage) (any, *handlerError) {
	var params protocol.FailedParams
	if herr := decodeParams(raw, &params); herr != nil {
		return nil, herr
	}
	if herr := requireID("bead_id", params.BeadID); herr != nil {
		return nil, herr
	}
	if _, err := s.backend.Store.Failed(params.BeadID, params.Reason); err != nil {
		return nil, logicalError(err)
	}
	return protocol.FailedData{BeadID: params.BeadID, Status: "failed"}, nil
}

func (s *Server) handleStatus() (any, *handlerError) {
	snap := s.backend.Store.Snapshot()
	data := protocol.StatusData{
		Workers:        make([]protocol.Worker, 0, len(snap.Workers)),
		QueuedTasks:    len(snap.Queue),
		Queue:          snap.Queue,
		PollingWorkers: snap.PollingWorkers,
	}
	for _, view := range snap.Workers {
		data.Workers = append(data.Workers, workerToWire(view))
	}
	return data, nil
}

func (s *Server) handleReset(raw json.RawMessage) (any, *handlerError) {
	var params protocol.ResetParams
	if herr := decodeParams(raw, &params); herr != nil {
		return nil, herr
	}
	if herr := requireID("worker_name", params.WorkerName); herr != nil {
		return nil, herr
	}
	view, err := s.backend.Store.ResetWorker(params.WorkerName)
	if err != nil {
		return nil, logicalError(err)
	}
	return protocol.ResetData{WorkerName: view.Name, Status: string(view.Status)}, nil
}

func (s *Server) handleRetry(raw json.RawMessage) (any, *handlerError) {
	var params protocol.RetryParams
	if herr := decodeParams(raw, &params); herr != nil {
		return nil, herr
	}
	if herr := requireID("bead_id", params.BeadID); herr != nil {
		return nil, herr
	}
	s.backend.Store.RetryTask(params.BeadID)
	return protocol.RetryData{BeadID: params.BeadID}, nil
}

func (s *Server) handleHistory(ctx context.Context, raw json.RawMessage) (any, *handlerError) {
	var params protocol.HistoryParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, invalidParams("invalid params: " + err.Error())
		}
	}
	if s.backend.History == nil {
		return protocol.HistoryData{Events: []protocol.HistoryEvent{}}, nil
	}
	events, err := s.backend.History.Recent(ctx, params.Limit)
	if err != nil {
		return nil, &handlerError{code: protocol.CodeInternal, message: err.Error()}
	}
	data := protocol.HistoryData{Events: make([]protocol.HistoryEvent, 0, len(events))}
	for _, e := range events {
		data.Events = append(data.Events, protocol.HistoryEvent{
			BeadID:    e.BeadID,
			Worker:    e.Worker,
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	return data, nil
}

func (s *Server) handleShutdown() (any, *handlerError) {
	if s.backend.RequestShutdown != nil {
		s.shutdownOnce.Do(func() {
			go s.backend.RequestShutdown()
		})
	}
	return protocol.ShutdownData{Stopping: true}, nil
}

// logicalError maps dispatch failures to error envelopes. Logical errors are
// normal control flow for callers, never internal faults.
func logicalError(err error) *handlerError {
	switch {
	case errors.Is(err, dispatch.ErrUnknownWorker):
		return invalidParams("unknown worker")
	case errors.Is(err, dispatch.ErrUnknownTask):
		return invalidParams("unknown task")
	case errors.Is(err, dispatch.ErrTaskMismatch):
		return invalidParams("Task mismatch")
	case errors.Is(err, dispatch.ErrDuplicateTask):
		return invalidParams("task already tracked")
	case errors.Is(err, dispatch.ErrWorkerDisconnected):
		return invalidParams("worker disconnected; re-register first")
	default:
		return &handlerError{code: protocol.CodeInternal, message: err.Error()}
	}
}

func workerToWire(view dispatch.WorkerView) protocol.Worker {
	w := protocol.Worker{
		Name:         view.Name,
		Status:       string(view.Status),
		RegisteredAt: view.RegisteredAt,
		LastActivity: view.LastActivity,
		CurrentTask:  view.CurrentTask,
	}
	if !view.TaskStartedAt.IsZero() {
		started := view.TaskStartedAt
		w.TaskStartedAt = &started
	}
	return w
}

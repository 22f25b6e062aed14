package ipc_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"shuttle/internal/dispatch"
	"shuttle/internal/ipc"
	"shuttle/internal/logging"
	"shuttle/internal/protocol"
)

func startTestServer(t *testing.T, backend ipc.Backend) string {
	t.Helper()
	if backend.Store == nil {
		backend.Store = dispatch.NewStore(dispatch.Options{}, logging.NewNop(), nil)
	}
	socketPath := filepath.Join(t.TempDir(), "shuttle-test.sock")

	server, err := ipc.NewServer(context.Background(), socketPath, backend, logging.NewNop())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	server.Serve()
	t.Cleanup(func() { server.Close(time.Second) })
	return socketPath
}

func dialTest(t *testing.T, socketPath string) *ipc.Client {
	t.Helper()
	client, err := ipc.Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientServerRoundTrip(t *testing.T) {
	socketPath := startTestServer(t, ipc.Backend{})
	client := dialTest(t, socketPath)

	reg, err := client.RegisterWorker("claude")
	if err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	if reg.Worker.Name != "claude" || reg.Message != "Registered" {
		t.Fatalf("unexpected registration: %#v", reg)
	}

	submit, err := client.SubmitTask("bead-1")
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if !submit.Dispatched || submit.Worker != "claude" {
		t.Fatalf("unexpected submit result: %#v", submit)
	}

	poll, err := client.PollTask("claude", time.Second)
	if err != nil {
		t.Fatalf("PollTask failed: %v", err)
	}
	if poll.Timeout || poll.Task == nil || *poll.Task != "bead-1" {
		t.Fatalf("unexpected poll result: %#v", poll)
	}

	if _, err := client.AckTask("claude", "bead-1"); err != nil {
		t.Fatalf("AckTask failed: %v", err)
	}
	if _, err := client.WorkerDone("bead-1"); err != nil {
		t.Fatalf("WorkerDone failed: %v", err)
	}

	status, err := client.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if len(status.Workers) != 1 || status.Workers[0].Status != "idle" {
		t.Fatalf("unexpected status: %#v", status)
	}
	if status.QueuedTasks != 0 {
		t.Fatalf("expected empty queue, got %d", status.QueuedTasks)
	}
}

func TestPollTimeoutOverSocket(t *testing.T) {
	socketPath := startTestServer(t, ipc.Backend{})
	client := dialTest(t, socketPath)

	if _, err := client.RegisterWorker("claude"); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	poll, err := client.PollTask("claude", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("PollTask failed: %v", err)
	}
	if !poll.Timeout || poll.Task != nil {
		t.Fatalf("expected timeout marker, got %#v", poll)
	}
}

func TestUnknownToolRejected(t *testing.T) {
	socketPath := startTestServer(t, ipc.Backend{})
	client := dialTest(t, socketPath)

	resp, err := client.Call("open_pod_bay_doors", struct{}{}, 0)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Success || resp.Error != protocol.CodeUnknownTool {
		t.Fatalf("expected UNKNOWN_TOOL, got %#v", resp)
	}
}

func TestEmptyIdentifiersRejected(t *testing.T) {
	socketPath := startTestServer(t, ipc.Backend{})
	client := dialTest(t, socketPath)

	cases := []struct {
		name   string
		tool   string
		params any
	}{
		{"empty worker name", protocol.ToolRegisterWorker, protocol.RegisterParams{Name: "   "}},
		{"empty poll name", protocol.ToolPollTask, protocol.PollParams{Name: ""}},
		{"empty bead id", protocol.ToolSubmitTask, protocol.SubmitParams{BeadID: ""}},
		{"empty ack bead", protocol.ToolAckTask, protocol.AckParams{Name: "w", BeadID: " "}},
	}
	for _, tc := range cases {
		resp, err := client.Call(tc.tool, tc.params, 0)
		if err != nil {
			t.Fatalf("%s: Call failed: %v", tc.name, err)
		}
		if resp.Success || resp.Error != protocol.CodeInvalidParams {
			t.Fatalf("%s: expected INVALID_PARAMS, got %#v", tc.name, resp)
		}
	}
}

func TestAckMismatchMessage(t *testing.T) {
	socketPath := startTestServer(t, ipc.Backend{})
	client := dialTest(t, socketPath)

	if _, err := client.RegisterWorker("claude"); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	if _, err := client.SubmitTask("bead-1"); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	resp, err := client.Call(protocol.ToolAckTask, protocol.AckParams{Name: "claude", BeadID: "bead-9"}, 0)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Success || resp.Error != protocol.CodeInvalidParams || resp.Message != "Task mismatch" {
		t.Fatalf("expected Task mismatch error, got %#v", resp)
	}
}

func TestMalformedRecordKeepsConnection(t *testing.T) {
	socketPath := startTestServer(t, ipc.Backend{})

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.Success || resp.Error != protocol.CodeInvalidParams {
		t.Fatalf("expected INVALID_PARAMS, got %#v", resp)
	}

	// The connection survives; a valid request still answers.
	req := protocol.Request{ID: "r1", Tool: protocol.ToolGetStatus}
	payload, _ := json.Marshal(req)
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !resp.Success || resp.ID != "r1" {
		t.Fatalf("expected success for r1, got %#v", resp)
	}
}

func TestOversizedRecordRejected(t *testing.T) {
	socketPath := startTestServer(t, ipc.Backend{})

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	huge := strings.Repeat("x", protocol.MaxRecordBytes+1024)
	if _, err := conn.Write([]byte(huge + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.Success || resp.Error != protocol.CodeInvalidParams {
		t.Fatalf("expected INVALID_PARAMS for oversized record, got %#v", resp)
	}

	// The framing cannot resume mid-record, so the server closes the
	// connection after reporting the error.
	if _, err := reader.ReadString('\n'); err == nil {
		t.Fatal("expected connection close after oversized record")
	}
}

func TestSocketPermissionsOwnerOnly(t *testing.T) {
	socketPath := startTestServer(t, ipc.Backend{})

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 socket, got %o", perm)
	}
}

func TestConnectionCloseMarksWorkerDisconnected(t *testing.T) {
	store := dispatch.NewStore(dispatch.Options{DisconnectGrace: time.Hour}, logging.NewNop(), nil)
	socketPath := startTestServer(t, ipc.Backend{Store: store})

	client := dialTest(t, socketPath)
	if _, err := client.RegisterWorker("claude"); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := store.Snapshot()
		if len(snap.Workers) == 1 && snap.Workers[0].Status == dispatch.StatusDisconnected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker never marked disconnected: %#v", store.Snapshot().Workers)
}

func TestShutdownRequestsStop(t *testing.T) {
	var requested atomic.Bool
	socketPath := startTestServer(t, ipc.Backend{
		RequestShutdown: func() { requested.Store(true) },
	})
	client := dialTest(t, socketPath)

	data, err := client.Shutdown()
	if err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !data.Stopping {
		t.Fatal("expected stopping acknowledgement")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !requested.Load() {
		time.Sleep(5 * time.Millisecond)
	}
	if !requested.Load() {
		t.Fatal("shutdown request never forwarded")
	}
}

func TestHistoryDisabledReturnsEmpty(t *testing.T) {
	socketPath := startTestServer(t, ipc.Backend{})
	client := dialTest(t, socketPath)

	data, err := client.TaskHistory(10)
	if err != nil {
		t.Fatalf("TaskHistory failed: %v", err)
	}
	if len(data.Events) != 0 {
		t.Fatalf("expected no events without a journal, got %#v", data.Events)
	}
}

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shuttle/internal/dispatch"
	"shuttle/internal/ipc"
	"shuttle/internal/logging"
	"shuttle/internal/protocol"
)

func TestServeBridgeForwardsRequests(t *testing.T) {
	store := dispatch.NewStore(dispatch.Options{}, logging.NewNop(), nil)
	socketPath := filepath.Join(t.TempDir(), "shuttle-test.sock")
	server, err := ipc.NewServer(context.Background(), socketPath, ipc.Backend{Store: store}, logging.NewNop())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	server.Serve()
	defer server.Close(time.Second)

	socketFlag := socketPath
	configFlag := ""
	ctx := newCommandContext(&socketFlag, &configFlag)

	stdin := strings.NewReader(
		`{"id":"r1","tool":"register_worker","params":{"name":"claude"}}` + "\n" +
			`{"id":"r2","tool":"submit_task","params":{"bead_id":"bead-1"}}` + "\n" +
			`{"id":"r3","tool":"get_status","params":{}}` + "\n")
	var stdout bytes.Buffer

	if err := runServeBridge(stdin, &stdout, ctx); err != nil {
		t.Fatalf("runServeBridge failed: %v", err)
	}

	scanner := bufio.NewScanner(&stdout)
	var responses []protocol.Response
	for scanner.Scan() {
		var resp protocol.Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		responses = append(responses, resp)
	}
	if len(responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(responses))
	}
	for i, id := range []string{"r1", "r2", "r3"} {
		if responses[i].ID != id || !responses[i].Success {
			t.Fatalf("response %d: %#v", i, responses[i])
		}
	}

	var status protocol.StatusData
	if err := responses[2].DecodeData(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status.Workers) != 1 || status.Workers[0].Name != "claude" {
		t.Fatalf("unexpected status: %#v", status)
	}
}

func TestBridgeDeadlineExtendsForPolls(t *testing.T) {
	line := []byte(fmt.Sprintf(`{"id":"p1","tool":"poll_task","params":{"name":"w","timeout_ms":%d}}`, 60000))
	if d := bridgeDeadline(line); d < time.Minute {
		t.Fatalf("expected extended deadline, got %s", d)
	}
	if d := bridgeDeadline([]byte(`{"id":"s1","tool":"get_status","params":{}}`)); d != 0 {
		t.Fatalf("expected default deadline, got %s", d)
	}
}

func TestRequestIDExtraction(t *testing.T) {
	if id := requestID([]byte(`{"id":"abc","tool":"get_status"}`)); id != "abc" {
		t.Fatalf("expected abc, got %q", id)
	}
	if id := requestID([]byte(`garbage`)); id != "" {
		t.Fatalf("expected empty id for garbage, got %q", id)
	}
}

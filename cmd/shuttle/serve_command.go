package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"shuttle/internal/daemonctl"
	"shuttle/internal/ipc"
	"shuttle/internal/protocol"
)

// serveRetryDelays paces reconnect attempts; the daemon is auto-started
// before the first retry.
var serveRetryDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Bridge line-delimited JSON requests from stdin to the daemon",
		Long: "Reads one JSON request envelope per line from stdin, forwards each to " +
			"the project daemon, and writes the response to stdout. Starts the daemon " +
			"on demand when the socket is not answering.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeBridge(cmd.InOrStdin(), cmd.OutOrStdout(), ctx)
		},
	}
}

func runServeBridge(stdin io.Reader, stdout io.Writer, ctx *commandContext) error {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxRecordBytes)

	encoder := json.NewEncoder(stdout)
	var client *ipc.Client
	defer func() {
		if client != nil {
			client.Close()
		}
	}()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		reqID := requestID(line)
		if client == nil {
			var err error
			client, err = connectWithRetry(ctx)
			if err != nil {
				if encErr := encoder.Encode(protocol.Fail(reqID, protocol.CodeInternal, "daemon unavailable")); encErr != nil {
					return encErr
				}
				continue
			}
		}

		response, err := client.Forward(line, bridgeDeadline(line))
		if err != nil {
			// Connection went away mid-stream; drop it and report.
			client.Close()
			client = nil
			if encErr := encoder.Encode(protocol.Fail(reqID, protocol.CodeInternal, "daemon unavailable")); encErr != nil {
				return encErr
			}
			continue
		}

		if _, err := stdout.Write(append(response, '\n')); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

// connectWithRetry dials the daemon, launching it on the first failure and
// backing off between attempts.
func connectWithRetry(ctx *commandContext) (*ipc.Client, error) {
	socket := ctx.socketPath()

	client, err := ipc.Dial(socket)
	if err == nil {
		return client, nil
	}

	if exe, exeErr := daemonExecutable(); exeErr == nil {
		_, _ = daemonctlEnsureStarted(socket, exe, ctx)
	}

	for _, delay := range serveRetryDelays {
		time.Sleep(delay)
		client, err = ipc.Dial(socket)
		if err == nil {
			return client, nil
		}
	}
	return nil, err
}

func daemonctlEnsureStarted(socket, exe string, ctx *commandContext) (daemonctl.StartResult, error) {
	return daemonctl.EnsureStarted(socket, exe, daemonctl.LaunchOptions{
		ConfigPath: ctx.configPath(),
		Workdir:    workingDirectory(),
	}, 10*time.Second)
}

// requestID extracts the caller's correlation id so failure envelopes still
// correlate; malformed input yields an empty id.
func requestID(line []byte) string {
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return ""
	}
	return req.ID
}

// bridgeDeadline sizes the transport deadline to the request: long polls get
// their timeout plus margin, everything else the default.
func bridgeDeadline(line []byte) time.Duration {
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil || req.Tool != protocol.ToolPollTask {
		return 0
	}
	var params protocol.PollParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(params.TimeoutMS)*time.Millisecond + 10*time.Second
}

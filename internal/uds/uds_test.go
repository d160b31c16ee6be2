package uds

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mizuki-ota/conductor/internal/logging"
)

func shortTempSockPath(t *testing.T, name string) string {
	t.Helper()
	// Use /tmp directly to avoid the Unix socket path length limit
	dir, err := os.MkdirTemp("/tmp", "c-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func setupTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	sockPath := shortTempSockPath(t, "t.sock")

	server := NewServer(sockPath, nil, logging.LevelError)
	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)

	return server, client
}

func TestFraming_RoundTrip(t *testing.T) {
	sockPath := shortTempSockPath(t, "f.sock")

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			t.Errorf("server ReadFrame: %v", err)
			return
		}
		if req.Command != CmdPing {
			t.Errorf("expected command %q, got %q", CmdPing, req.Command)
		}
		if req.ProtocolVersion != ProtocolVersion {
			t.Errorf("expected protocol_version %d, got %d", ProtocolVersion, req.ProtocolVersion)
		}

		if err := WriteFrame(conn, SuccessResponse(map[string]string{"pong": "ok"})); err != nil {
			t.Errorf("server WriteFrame: %v", err)
		}
	}()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, _ := NewRequest(CmdPing, nil)
	if err := WriteFrame(conn, req); err != nil {
		t.Fatalf("client WriteFrame: %v", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		t.Fatalf("client ReadFrame: %v", err)
	}
	if !resp.Success {
		t.Error("expected success response")
	}

	<-done
}

func TestFraming_LargePayload(t *testing.T) {
	sockPath := shortTempSockPath(t, "l.sock")

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	largePayload := strings.Repeat("x", 1024*1024)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			t.Errorf("server ReadFrame: %v", err)
			return
		}
		var params map[string]string
		json.Unmarshal(req.Params, &params)
		if len(params["payload"]) != len(largePayload) {
			t.Errorf("payload length = %d, want %d", len(params["payload"]), len(largePayload))
		}
		WriteFrame(conn, SuccessResponse(nil))
	}()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, _ := NewRequest(CmdSubmit, map[string]string{"payload": largePayload})
	if err := WriteFrame(conn, req); err != nil {
		t.Fatalf("client WriteFrame: %v", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		t.Fatalf("client ReadFrame: %v", err)
	}
	<-done
}

func TestServer_DispatchesToHandler(t *testing.T) {
	server, client := setupTestServer(t)

	server.Handle(CmdStatus, func(req *Request) *Response {
		var params map[string]string
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(map[string]string{
			"task_id": params["task_id"],
			"status":  "queued",
		})
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand(CmdStatus, map[string]string{"task_id": "task_1700000000_abc12345"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %+v", resp.Error)
	}

	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["status"] != "queued" {
		t.Errorf("status = %q, want queued", data["status"])
	}
}

func TestClient_SendCommandContextHonorsCancellation(t *testing.T) {
	server, client := setupTestServer(t)

	server.Handle(CmdPing, func(req *Request) *Response {
		return SuccessResponse(nil)
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.SendCommandContext(ctx, CmdPing, nil); err == nil {
		t.Fatal("expected error from cancelled context")
	}

	// The same client still works with a live context.
	resp, err := client.SendCommandContext(context.Background(), CmdPing, nil)
	if err != nil {
		t.Fatalf("SendCommandContext: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp.Error)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	server, client := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand("no_such_command", nil)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unknown command")
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeUnknownCommand {
		t.Errorf("error = %+v, want code %s", resp.Error, ErrCodeUnknownCommand)
	}
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	server, client := setupTestServer(t)

	server.Handle(CmdPing, func(req *Request) *Response {
		return SuccessResponse(nil)
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: CmdPing})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for version mismatch")
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("error = %+v, want code %s", resp.Error, ErrCodeProtocolMismatch)
	}
}

func TestServer_HandlerPanicDoesNotKillServer(t *testing.T) {
	server, client := setupTestServer(t)

	server.Handle("boom", func(req *Request) *Response {
		panic("handler bug")
	})
	server.Handle(CmdPing, func(req *Request) *Response {
		return SuccessResponse(nil)
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	// The panicking connection gets no response.
	if _, err := client.SendCommand("boom", nil); err == nil {
		t.Error("expected an error from the panicking handler's connection")
	}

	// But the server keeps serving.
	resp, err := client.SendCommand(CmdPing, nil)
	if err != nil {
		t.Fatalf("SendCommand after panic: %v", err)
	}
	if !resp.Success {
		t.Error("expected ping to succeed after a handler panic")
	}
}

func TestServer_StopRemovesSocket(t *testing.T) {
	server, _ := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	sockPath := server.socketPath
	if _, err := os.Stat(sockPath); err != nil {
		t.Fatalf("socket missing while running: %v", err)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("server stop: %v", err)
	}
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("socket file still present after Stop")
	}
}

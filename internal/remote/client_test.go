package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

// fakeTransport answers requests from a queue of canned responses, keyed by
// path, and records every request it saw for assertions.
type fakeTransport struct {
	responses map[string]fakeResponse
	requests  []*http.Request
}

type fakeResponse struct {
	status int
	body   string
}

func (f *fakeTransport) Do(req *http.Request) (*http.Response, error) {
	f.requests = append(f.requests, req)
	resp, ok := f.responses[req.URL.Path]
	if !ok {
		resp = fakeResponse{status: http.StatusNotFound, body: `{"error":"no route"}`}
	}
	return &http.Response{
		StatusCode: resp.status,
		Body:       io.NopCloser(strings.NewReader(resp.body)),
		Header:     make(http.Header),
	}, nil
}

func TestDaemonClient_Exec_SendsBearerTokenAndDecodesResponse(t *testing.T) {
	ft := &fakeTransport{responses: map[string]fakeResponse{
		"/exec": {status: http.StatusOK, body: `{"stdout":"hi\n","stderr":"","exitCode":0}`},
	}}
	c := &DaemonClient{baseURL: "http://remote:9000", token: "secret-tok", http: ft}

	resp, err := c.Exec(context.Background(), ExecRequest{Command: "echo hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Stdout != "hi\n" || resp.ExitCode != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(ft.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ft.requests))
	}
	if got := ft.requests[0].Header.Get("Authorization"); got != "Bearer secret-tok" {
		t.Errorf("expected bearer token header, got %q", got)
	}
}

func TestDaemonClient_Health_SendsBearerToken(t *testing.T) {
	ft := &fakeTransport{responses: map[string]fakeResponse{
		"/health": {status: http.StatusOK, body: `{"status":"ok","pid":42,"uptime":7}`},
	}}
	c := &DaemonClient{baseURL: "http://remote:9000", token: "tok", http: ft}

	resp, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.PID != 42 {
		t.Errorf("expected pid 42, got %d", resp.PID)
	}
	if got := ft.requests[0].Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("expected bearer token on /health, got %q", got)
	}
}

func TestDaemonClient_UnauthorizedResponse(t *testing.T) {
	ft := &fakeTransport{responses: map[string]fakeResponse{
		"/exec": {status: http.StatusUnauthorized, body: `{"error":"bad token"}`},
	}}
	c := &DaemonClient{baseURL: "http://remote:9000", token: "wrong", http: ft}

	_, err := c.Exec(context.Background(), ExecRequest{Command: "ls"})
	if err == nil {
		t.Fatal("expected error")
	}
	remErr, ok := AsRemoteError(err)
	if !ok || remErr.Type != ErrorAuth {
		t.Fatalf("expected ErrorAuth, got %v", err)
	}
}

func TestDaemonClient_ProtocolError(t *testing.T) {
	ft := &fakeTransport{responses: map[string]fakeResponse{
		"/exec": {status: http.StatusInternalServerError, body: `{"error":"boom"}`},
	}}
	c := &DaemonClient{baseURL: "http://remote:9000", token: "tok", http: ft}

	_, err := c.Exec(context.Background(), ExecRequest{Command: "ls"})
	remErr, ok := AsRemoteError(err)
	if !ok || remErr.Type != ErrorProtocol {
		t.Fatalf("expected ErrorProtocol, got %v", err)
	}
	if !strings.Contains(remErr.Message, "boom") {
		t.Errorf("expected message to surface daemon error body, got %q", remErr.Message)
	}
}

func TestDaemonClient_WriteFile_EncodesRequestBody(t *testing.T) {
	ft := &fakeTransport{responses: map[string]fakeResponse{
		"/file/write": {status: http.StatusOK, body: `{"success":true}`},
	}}
	c := &DaemonClient{baseURL: "http://remote:9000", token: "tok", http: ft}

	if err := c.WriteFile(context.Background(), "/tmp/x", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body, _ := io.ReadAll(ft.requests[0].Body)
	var decoded FileWriteRequest
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("failed to decode sent body: %v", err)
	}
	if decoded.Path != "/tmp/x" || decoded.Content != "hello" {
		t.Errorf("unexpected request body: %+v", decoded)
	}
}

func TestDaemonClient_ReadFile_PostsJSONBody(t *testing.T) {
	ft := &fakeTransport{responses: map[string]fakeResponse{
		"/file/read": {status: http.StatusOK, body: `{"content":"data"}`},
	}}
	c := &DaemonClient{baseURL: "http://remote:9000", token: "tok", http: ft}

	content, err := c.ReadFile(context.Background(), "/tmp/a b.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "data" {
		t.Errorf("expected content %q, got %q", "data", content)
	}
	if ft.requests[0].Method != http.MethodPost {
		t.Errorf("expected POST, got %s", ft.requests[0].Method)
	}
	body, _ := io.ReadAll(ft.requests[0].Body)
	var decoded FileReadRequest
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("failed to decode sent body: %v", err)
	}
	if decoded.Path != "/tmp/a b.txt" {
		t.Errorf("unexpected request body: %+v", decoded)
	}
}

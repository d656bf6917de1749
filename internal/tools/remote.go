package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ServerConfig declares an external tool server discovered at startup.
// Transport is either "http" (request/response endpoint) or "stdio"
// (long-running child process speaking line-delimited JSON).
type ServerConfig struct {
	Name      string   `json:"name"`
	Transport string   `json:"transport" envconfig:"TRANSPORT"`
	URL       string   `json:"url,omitempty"`
	Command   []string `json:"command,omitempty"`
}

// remoteToolSpec is the wire format of a discovered tool.
type remoteToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// executor abstracts the transport behind a RemoteTool.
type executor interface {
	listTools(ctx context.Context) ([]remoteToolSpec, error)
	callTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// RemoteTool adapts a discovered tool to the Tool contract. The agent loop
// cannot tell it apart from a built-in.
type RemoteTool struct {
	spec   remoteToolSpec
	server string
	exec   executor
}

func (t *RemoteTool) Name() string        { return t.spec.Name }
func (t *RemoteTool) Description() string { return t.spec.Description }
func (t *RemoteTool) Tier() int           { return TierHighRisk }

func (t *RemoteTool) Parameters() map[string]any {
	if t.spec.Parameters == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.spec.Parameters
}

func (t *RemoteTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	out, err := t.exec.callTool(ctx, t.spec.Name, params)
	if err != nil {
		return fmt.Sprintf("Error from tool server %s: %v", t.server, err), nil
	}
	return out, nil
}

// Discover connects to each configured server and returns its tools.
// A server that fails discovery is skipped; the error list reports why.
func Discover(ctx context.Context, servers []ServerConfig) ([]Tool, []error) {
	var discovered []Tool
	var errs []error

	for _, cfg := range servers {
		var ex executor
		switch cfg.Transport {
		case "http":
			ex = &httpExecutor{base: strings.TrimSuffix(cfg.URL, "/"), client: &http.Client{Timeout: 60 * time.Second}}
		case "stdio":
			if len(cfg.Command) == 0 {
				errs = append(errs, fmt.Errorf("tool server %s: stdio transport needs a command", cfg.Name))
				continue
			}
			se, err := newStdioExecutor(cfg.Command)
			if err != nil {
				errs = append(errs, fmt.Errorf("tool server %s: %w", cfg.Name, err))
				continue
			}
			ex = se
		default:
			errs = append(errs, fmt.Errorf("tool server %s: unknown transport %q", cfg.Name, cfg.Transport))
			continue
		}

		specs, err := ex.listTools(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("tool server %s: discover: %w", cfg.Name, err))
			continue
		}
		for _, spec := range specs {
			discovered = append(discovered, &RemoteTool{spec: spec, server: cfg.Name, exec: ex})
		}
	}

	return discovered, errs
}

// httpExecutor speaks the request/response transport:
// GET  {base}/tools            -> {"tools": [...]}
// POST {base}/execute          -> {"output": "..."} | {"error": "..."}
type httpExecutor struct {
	base   string
	client *http.Client
}

func (e *httpExecutor) listTools(ctx context.Context) ([]remoteToolSpec, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", e.base+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var payload struct {
		Tools []remoteToolSpec `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Tools, nil
}

func (e *httpExecutor) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", e.base+"/execute", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}

	var payload struct {
		Output string `json:"output"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return "", err
	}
	if payload.Error != "" {
		return "", fmt.Errorf("%s", payload.Error)
	}
	return payload.Output, nil
}

// stdioExecutor runs a child process and exchanges line-delimited JSON:
// {"method":"tools/list"}                    -> {"tools": [...]}
// {"method":"tools/call","name":...,"arguments":...} -> {"output"|"error": ...}
type stdioExecutor struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func newStdioExecutor(command []string) (*stdioExecutor, error) {
	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tool server: %w", err)
	}
	return &stdioExecutor{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}, nil
}

// roundTrip sends one request line and reads one response line. The child
// process is single-threaded per the protocol, so calls are serialized.
func (e *stdioExecutor) roundTrip(ctx context.Context, req map[string]any) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := e.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	type readResult struct {
		line []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		line, err := e.stdout.ReadBytes('\n')
		ch <- readResult{line, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("read response: %w", r.err)
		}
		return r.line, nil
	}
}

func (e *stdioExecutor) listTools(ctx context.Context) ([]remoteToolSpec, error) {
	raw, err := e.roundTrip(ctx, map[string]any{"method": "tools/list"})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []remoteToolSpec `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload.Tools, nil
}

func (e *stdioExecutor) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	raw, err := e.roundTrip(ctx, map[string]any{
		"method":    "tools/call",
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	var payload struct {
		Output string `json:"output"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	if payload.Error != "" {
		return "", fmt.Errorf("%s", payload.Error)
	}
	return payload.Output, nil
}

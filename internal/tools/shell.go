package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// DenyPatterns contains regex patterns for dangerous commands.
var DenyPatterns = []string{
	`\brm\s+(-[rf]+\s+)*[/~]`, // rm with root or home
	`\brm\s+-rf\b`,            // rm -rf anywhere
	`\brm\s+-r[fF]?\s+\.\b`,   // rm -r . / rm -rf .
	`\brm\s+-r[fF]?\s+\*`,     // rm -r *
	`\bdd\b.*\bof=/dev/`,      // dd to device
	`\bmkfs\b`,                // filesystem format
	`>\s*/dev/`,               // redirect to device
	`\bchmod\s+-R\s+777\b`,    // chmod 777 recursive
	`\bchown\s+-R\b.*[/~]`,    // chown recursive on root/home
	`\b:(){ :|:& };:\b`,       // fork bomb
	`\bshutdown\b`,
	`\breboot\b`,
	`\bhalt\b`,
	`\binit\s+[0-6]\b`,
	`\bsystemctl\s+(start|stop|restart|enable|disable)\b`,
}

// pathTraversalPatterns detect attempts to step out of the working directory.
var pathTraversalPatterns = []string{
	`\.\.\/`,
	`\/\.\.`,
}

// ExecTool executes shell commands under the sandbox constraint.
type ExecTool struct {
	Timeout     time.Duration
	sandbox     *Sandbox
	denyRegexes []*regexp.Regexp
	pathRegexes []*regexp.Regexp
}

// NewExecTool creates a new ExecTool restricted to the sandbox root.
func NewExecTool(timeout time.Duration, sandbox *Sandbox) *ExecTool {
	denyRegexes := make([]*regexp.Regexp, 0, len(DenyPatterns))
	for _, pattern := range DenyPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			denyRegexes = append(denyRegexes, re)
		}
	}
	pathRegexes := make([]*regexp.Regexp, 0, len(pathTraversalPatterns))
	for _, pattern := range pathTraversalPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			pathRegexes = append(pathRegexes, re)
		}
	}
	return &ExecTool{
		Timeout:     timeout,
		sandbox:     sandbox,
		denyRegexes: denyRegexes,
		pathRegexes: pathRegexes,
	}
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Tier() int    { return TierHighRisk }

func (t *ExecTool) Description() string {
	return "Execute a shell command and return its output. Commands run inside the workspace."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	command := GetString(params, "command", "")
	workingDir := GetString(params, "working_dir", t.sandbox.Root())

	if command == "" {
		return "Error: command is required", nil
	}

	resolved, err := t.guardCommand(command, workingDir)
	if err != nil {
		return "", err
	}
	workingDir = resolved

	timeout := t.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var result strings.Builder
	if stdout.Len() > 0 {
		result.WriteString(stdout.String())
	}
	if stderr.Len() > 0 {
		if result.Len() > 0 {
			result.WriteString("\n")
		}
		result.WriteString("STDERR:\n")
		result.WriteString(stderr.String())
	}

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: command timed out after %v\n%s", timeout, result.String()), nil
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.WriteString(fmt.Sprintf("\nExit code: %d", exitErr.ExitCode()))
		} else {
			return fmt.Sprintf("Error executing command: %v", runErr), nil
		}
	}

	if result.Len() == 0 {
		return "(no output)", nil
	}

	return result.String(), nil
}

// guardCommand rejects dangerous commands and working directories outside
// the sandbox root. It returns the resolved working directory.
func (t *ExecTool) guardCommand(command, workingDir string) (string, error) {
	for _, re := range t.denyRegexes {
		if re.MatchString(command) {
			return "", &ViolationError{Tool: t.Name(), Path: command}
		}
	}

	if t.sandbox.Root() != "" {
		for _, re := range t.pathRegexes {
			if re.MatchString(command) {
				return "", &ViolationError{Tool: t.Name(), Path: command}
			}
		}
	}

	if workingDir == "" {
		return "", nil
	}
	return t.sandbox.Resolve(t.Name(), workingDir)
}

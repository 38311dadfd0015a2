// Package main provides the agent-side envelope CLI.
//
// An external agent uses it to read the request a suspended run is waiting
// on and to write the matching response, without hand-assembling JSON.
// Results are written to stdout as JSON; errors go to stdout as a JSON error
// object with a non-zero exit code.
//
// Usage:
//
//	# Print the pending request of phase 1
//	agentbridge-envelope request ~/.local/state/agentbridge/run-1 1
//
//	# Answer it with the text on stdin
//	echo "42" | agentbridge-envelope respond ~/.local/state/agentbridge/run-1 1
//
//	# Report a failure instead
//	echo '{"message": "tests failed", "type": "TestFailure"}' | agentbridge-envelope fail <dir> 1
//
//	# Check a response file before handing it over
//	cat response.json | agentbridge-envelope validate
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/guardkit/agentbridge/coreengine/bridge"
	"github.com/guardkit/agentbridge/coreengine/envelope"
	"github.com/guardkit/agentbridge/coreengine/fsutil"
)

const (
	cmdRequest  = "request"
	cmdRespond  = "respond"
	cmdFail     = "fail"
	cmdValidate = "validate"
	cmdVersion  = "version"
)

// Version information
const (
	Version   = "1.0.0"
	BuildTime = "2026-10-19"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// cli carries the streams of one invocation.
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}
	if len(args) < 1 {
		c.printUsage()
		return 1
	}

	switch args[0] {
	case cmdVersion:
		return c.handleVersion()
	case cmdRequest:
		return c.withPhase(args[1:], c.handleRequest)
	case cmdRespond:
		return c.withPhase(args[1:], c.handleRespond)
	case cmdFail:
		return c.withPhase(args[1:], c.handleFail)
	case cmdValidate:
		return c.handleValidate()
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		c.printUsage()
		return 1
	}
}

func (c *cli) printUsage() {
	fmt.Fprintln(c.stderr, `Usage: agentbridge-envelope <command> [args]

Commands:
  request <dir> <phase>   Print the pending request of a phase
  respond <dir> <phase>   Write stdin as the success response to the pending request
  fail <dir> <phase>      Write an error response from stdin JSON {"message", "type"}
  validate                Check a response read from stdin
  version                 Print version information

Input/Output:
  Results are written to stdout as JSON.
  Errors are written as {"error": true, "code", "message"} with exit code 1.`)
}

// withPhase parses <dir> <phase> and builds the phase's bridge.
func (c *cli) withPhase(args []string, fn func(inv *bridge.Invoker) int) int {
	if len(args) != 2 {
		c.writeError("usage_error", "expected <dir> <phase>")
		return 1
	}
	phase, err := strconv.Atoi(args[1])
	if err != nil || phase < 0 {
		c.writeError("usage_error", fmt.Sprintf("invalid phase %q", args[1]))
		return 1
	}
	dir, err := filepath.Abs(args[0])
	if err != nil {
		c.writeError("usage_error", err.Error())
		return 1
	}
	return fn(bridge.NewInvoker(dir, phase, ""))
}

// handleVersion prints version information.
func (c *cli) handleVersion() int {
	c.writeJSON(map[string]string{
		"version":          Version,
		"build_time":       BuildTime,
		"protocol_version": envelope.ProtocolVersion,
	})
	return 0
}

// handleRequest prints the pending request.
func (c *cli) handleRequest(inv *bridge.Invoker) int {
	req, ok := c.pendingRequest(inv)
	if !ok {
		return 1
	}
	c.writeJSON(req)
	return 0
}

// handleRespond writes stdin as the success response.
func (c *cli) handleRespond(inv *bridge.Invoker) int {
	req, ok := c.pendingRequest(inv)
	if !ok {
		return 1
	}
	input, err := c.readInput()
	if err != nil {
		c.writeError("read_error", err.Error())
		return 1
	}
	// A single trailing newline comes from echo and heredocs, not the agent.
	text := strings.TrimSuffix(strings.TrimSuffix(string(input), "\n"), "\r")

	resp := envelope.NewSuccessResponse(req.RequestID, text, time.Since(req.CreatedAt))
	return c.writeResponse(inv, resp)
}

// handleFail writes an error response.
func (c *cli) handleFail(inv *bridge.Invoker) int {
	req, ok := c.pendingRequest(inv)
	if !ok {
		return 1
	}
	input, err := c.readInput()
	if err != nil {
		c.writeError("read_error", err.Error())
		return 1
	}

	var failInput struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(input, &failInput); err != nil {
		c.writeError("parse_error", fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return 1
	}
	if failInput.Message == "" {
		c.writeError("parse_error", "message is required")
		return 1
	}

	resp := envelope.NewErrorResponse(req.RequestID, failInput.Message, failInput.Type, time.Since(req.CreatedAt))
	return c.writeResponse(inv, resp)
}

// handleValidate decodes stdin the way the orchestrator would.
func (c *cli) handleValidate() int {
	input, err := c.readInput()
	if err != nil {
		c.writeError("read_error", err.Error())
		return 1
	}

	decoded, err := envelope.DecodeResponse(input, "stdin")
	if err != nil {
		c.writeJSON(map[string]any{
			"valid":  false,
			"errors": []string{err.Error()},
		})
		return 0
	}

	result := map[string]any{
		"valid":        true,
		"errors":       []string{},
		"request_id":   decoded.Envelope.RequestID,
		"status":       decoded.Envelope.Status,
		"auto_wrapped": decoded.AutoWrapped,
		"coerced":      decoded.Coerced,
	}
	if decoded.Inconsistent != "" {
		result["warnings"] = []string{decoded.Inconsistent}
	}
	c.writeJSON(result)
	return 0
}

func (c *cli) pendingRequest(inv *bridge.Invoker) (*envelope.AgentRequest, bool) {
	req, err := inv.PendingRequest()
	if err != nil {
		c.writeError("request_unreadable", err.Error())
		return nil, false
	}
	if req == nil {
		c.writeError("no_request", fmt.Sprintf("no pending request at %s", inv.RequestPath()))
		return nil, false
	}
	return req, true
}

func (c *cli) writeResponse(inv *bridge.Invoker, resp *envelope.AgentResponse) int {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		c.writeError("encode_error", err.Error())
		return 1
	}
	if err := fsutil.WriteFileAtomic(inv.ResponsePath(), append(data, '\n'), 0o600); err != nil {
		c.writeError("write_error", err.Error())
		return 1
	}
	c.writeJSON(map[string]any{
		"written":    inv.ResponsePath(),
		"request_id": resp.RequestID,
		"status":     resp.Status,
	})
	return 0
}

// readInput reads all input from stdin.
func (c *cli) readInput() ([]byte, error) {
	reader := bufio.NewReader(c.stdin)
	return io.ReadAll(reader)
}

// writeJSON writes a JSON object to stdout.
func (c *cli) writeJSON(v any) {
	encoder := json.NewEncoder(c.stdout)
	encoder.SetIndent("", "")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(c.stderr, "Error encoding JSON: %s\n", err.Error())
	}
}

// writeError writes an error response to stdout.
func (c *cli) writeError(code, message string) {
	c.writeJSON(map[string]any{
		"error":   true,
		"code":    code,
		"message": message,
	})
}

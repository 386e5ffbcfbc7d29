package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"unigate/internal/config"
	"unigate/internal/models"
)

const clientVersion = "0.1.0"

// MCPClient holds a session with one MCP server and exposes its tools.
type MCPClient struct {
	name    string
	timeout time.Duration
	session *mcp.ClientSession
}

// ConnectMCP dials the server described by cfg.
func ConnectMCP(ctx context.Context, cfg config.MCPServerConfig, httpClient *http.Client) (*MCPClient, error) {
	var transport mcp.Transport
	switch cfg.Transport {
	case "sse":
		transport = &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}
	case "streamable", "":
		transport = &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}
	default:
		return nil, fmt.Errorf("mcp server %s: unsupported transport %q", cfg.Name, cfg.Transport)
	}
	return ConnectMCPTransport(ctx, cfg.Name, time.Duration(cfg.TimeoutSeconds)*time.Second, transport)
}

// ConnectMCPTransport performs the MCP handshake over an existing transport.
// A zero timeout leaves tool calls bounded only by the caller's context.
func ConnectMCPTransport(ctx context.Context, name string, timeout time.Duration, transport mcp.Transport) (*MCPClient, error) {
	client := mcp.NewClient(
		&mcp.Implementation{Name: "unigate", Version: clientVersion},
		&mcp.ClientOptions{Capabilities: &mcp.ClientCapabilities{}},
	)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to mcp server %s: %w", name, err)
	}
	return &MCPClient{name: name, timeout: timeout, session: session}, nil
}

// Name returns the configured server name.
func (c *MCPClient) Name() string {
	return c.name
}

// Tools lists the server's tools as dispatchable Tool values.
func (c *MCPClient) Tools(ctx context.Context) ([]Tool, error) {
	var out []Tool
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list tools from mcp server %s: %w", c.name, err)
		}

		var params json.RawMessage
		if tool.InputSchema != nil {
			data, err := json.Marshal(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("encode input schema of %s/%s: %w", c.name, tool.Name, err)
			}
			params = data
		}

		out = append(out, &mcpTool{
			client: c,
			decl: models.ToolDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out, nil
}

// Close ends the session.
func (c *MCPClient) Close() error {
	return c.session.Close()
}

type mcpTool struct {
	client *MCPClient
	decl   models.ToolDeclaration
}

func (t *mcpTool) Declaration() models.ToolDeclaration {
	return t.decl
}

func (t *mcpTool) Invoke(ctx context.Context, raw json.RawMessage) (string, error) {
	var args map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", &ExecutionError{Tool: t.decl.Name, Err: fmt.Errorf("decode arguments: %w", err)}
		}
	}

	if t.client.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.client.timeout)
		defer cancel()
	}

	result, err := t.client.session.CallTool(ctx, &mcp.CallToolParams{Name: t.decl.Name, Arguments: args})
	if err != nil {
		return "", &ExecutionError{Tool: t.decl.Name, Err: fmt.Errorf("mcp server %s: %w", t.client.name, err)}
	}

	var texts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	output := strings.Join(texts, "\n")

	if result.IsError {
		if output == "" {
			output = "tool reported an error"
		}
		return "", &ExecutionError{Tool: t.decl.Name, Err: errors.New(output)}
	}
	return output, nil
}

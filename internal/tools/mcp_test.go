package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"unigate/internal/models"
)

// connectTestServer runs an in-memory MCP server with the given handlers and
// returns a connected client.
func connectTestServer(t *testing.T, handlers map[string]mcp.ToolHandler) *MCPClient {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "1.0.0"}, nil)
	for name, handler := range handlers {
		server.AddTool(&mcp.Tool{
			Name:        name,
			Description: "test tool " + name,
			InputSchema: map[string]any{"type": "object"},
		}, handler)
	}

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = server.Run(ctx, serverTransport)
	}()

	client, err := ConnectMCPTransport(ctx, "test-server", 0, clientTransport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestMCPToolsDispatch(t *testing.T) {
	client := connectTestServer(t, map[string]mcp.ToolHandler{
		"greet": func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "Hello, " + args.Name + "!"}},
			}, nil
		},
		"fail": func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "something went wrong"}},
				IsError: true,
			}, nil
		},
	})

	remote, err := client.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, remote, 2)

	catalog, err := NewCatalog(append(remote, Add())...)
	require.NoError(t, err)
	require.Len(t, catalog.Declarations(), 3)

	set, forwarded, err := catalog.Select([]models.ToolDeclaration{{Name: "greet"}, {Name: "fail"}})
	require.NoError(t, err)
	require.Len(t, forwarded, 2)
	require.JSONEq(t, `{"type":"object"}`, string(forwarded[0].Parameters))

	out, err := set.Invoke(context.Background(), "greet", json.RawMessage(`{"name":"World"}`))
	require.NoError(t, err)
	require.Equal(t, "Hello, World!", out)

	_, err = set.Invoke(context.Background(), "fail", json.RawMessage(`{}`))
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Contains(t, execErr.Error(), "something went wrong")

	_, err = set.Invoke(context.Background(), "greet", json.RawMessage(`not json`))
	require.ErrorAs(t, err, &execErr)
}

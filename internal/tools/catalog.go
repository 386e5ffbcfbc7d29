package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"unigate/internal/config"
	"unigate/internal/models"
)

// Catalog holds every tool the gateway can dispatch. It is built once at
// startup and read concurrently afterwards.
type Catalog struct {
	all     *Set
	clients []*MCPClient
}

// NewCatalog builds a catalog from already constructed tools.
func NewCatalog(tools ...Tool) (*Catalog, error) {
	set, err := NewSet(tools...)
	if err != nil {
		return nil, err
	}
	return &Catalog{all: set}, nil
}

// LoadCatalog resolves the configured built-ins and connects to every
// configured MCP server, collecting their tools.
func LoadCatalog(ctx context.Context, cfg config.ToolsConfig, httpClient *http.Client) (*Catalog, error) {
	var collected []Tool
	for _, name := range cfg.Builtin {
		tool, ok := Builtin(name)
		if !ok {
			return nil, fmt.Errorf("unknown builtin tool %q, available: %v", name, BuiltinNames())
		}
		collected = append(collected, tool)
	}

	var clients []*MCPClient
	closeAll := func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}

	for _, srv := range cfg.MCP {
		client, err := ConnectMCP(ctx, srv, httpClient)
		if err != nil {
			closeAll()
			return nil, err
		}
		clients = append(clients, client)

		remote, err := client.Tools(ctx)
		if err != nil {
			closeAll()
			return nil, err
		}
		slog.Info("mcp server connected", "server", srv.Name, "tools", len(remote))
		collected = append(collected, remote...)
	}

	set, err := NewSet(collected...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return &Catalog{all: set, clients: clients}, nil
}

// Declarations lists every tool in the catalog.
func (c *Catalog) Declarations() []models.ToolDeclaration {
	if c == nil {
		return nil
	}
	return c.all.Declarations()
}

// Select builds the tool set for one request from the tools it declares.
// Declared tools the catalog does not know are still forwarded to the
// backend, so a call to them fails at dispatch with ErrToolNotFound. A
// declaration without parameters inherits the catalog's schema.
func (c *Catalog) Select(declared []models.ToolDeclaration) (*Set, []models.ToolDeclaration, error) {
	if len(declared) == 0 {
		return &Set{tools: map[string]Tool{}}, nil, nil
	}

	var selected []Tool
	seen := make(map[string]struct{}, len(declared))
	forwarded := make([]models.ToolDeclaration, 0, len(declared))
	for _, decl := range declared {
		if _, dup := seen[decl.Name]; dup {
			continue
		}
		seen[decl.Name] = struct{}{}

		if c != nil {
			if tool, ok := c.all.Lookup(decl.Name); ok {
				selected = append(selected, tool)
				if len(decl.Parameters) == 0 {
					known := tool.Declaration()
					decl.Parameters = known.Parameters
					if decl.Description == "" {
						decl.Description = known.Description
					}
				}
			}
		}
		forwarded = append(forwarded, decl)
	}

	set, err := NewSet(selected...)
	if err != nil {
		return nil, nil, err
	}
	return set, forwarded, nil
}

// Close ends every MCP session held by the catalog.
func (c *Catalog) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	for _, client := range c.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mcp server %s: %w", client.Name(), err))
		}
	}
	return errors.Join(errs...)
}

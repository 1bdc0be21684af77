package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AnishMulay/sandmirror/internal/communication"
	grpccomm "github.com/AnishMulay/sandmirror/internal/communication/grpc"
	"github.com/AnishMulay/sandmirror/internal/log_service"
	"github.com/AnishMulay/sandmirror/internal/log_service/localdisc"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"
)

type MCPServerEntry struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type MCPConfig struct {
	Servers       []MCPServerEntry `yaml:"servers"`
	DefaultServer string           `yaml:"default_server"`
	Timeout       time.Duration    `yaml:"timeout"`
}

type ServerRegistry struct {
	Servers       map[string]string
	DefaultServer string
	Timeout       time.Duration
	Communicator  communication.Communicator
	LogServer     log_service.LogService
}

// LoadConfig reads path, writing a default config there first if it does not
// exist yet.
func LoadConfig(path string) (*MCPConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		defaultConfig := &MCPConfig{
			DefaultServer: "meta-1",
			Timeout:       5 * time.Second,
			Servers: []MCPServerEntry{
				{ID: "meta-1", Address: "localhost:9001"},
				{ID: "meta-2", Address: "localhost:9002"},
			},
		}

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		data, err := yaml.Marshal(defaultConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return defaultConfig, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := MCPConfig{Timeout: 5 * time.Second}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

func (r *ServerRegistry) resolve(request mcp.CallToolRequest) (string, error) {
	serverID := request.GetString("server", r.DefaultServer)
	addr, ok := r.Servers[serverID]
	if !ok {
		return "", fmt.Errorf("server %s not found", serverID)
	}
	return addr, nil
}

// call sends one admin message and returns the response body.
func (r *ServerRegistry) call(ctx context.Context, request mcp.CallToolRequest, msgType string, payload any) ([]byte, error) {
	addr, err := r.resolve(request)
	if err != nil {
		return nil, err
	}

	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	resp, err := r.Communicator.Send(ctx, addr, communication.Message{From: "mcp-server", Type: msgType, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.Code != communication.CodeOK {
		return nil, fmt.Errorf("%s: %s", resp.Code, resp.Body)
	}
	return resp.Body, nil
}

func addTools(s *server.MCPServer, registry *ServerRegistry) {
	serverArg := mcp.WithString("server", mcp.Description("Server ID from the config; defaults to the default server"))

	s.AddTool(mcp.NewTool("list_servers",
		mcp.WithDescription("List all configured metadata servers"),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids := make([]string, 0, len(registry.Servers))
		for id := range registry.Servers {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		var b strings.Builder
		b.WriteString("Available servers:\n")
		for _, id := range ids {
			fmt.Fprintf(&b, "- %s: %s\n", id, registry.Servers[id])
		}
		fmt.Fprintf(&b, "Default server: %s\n", registry.DefaultServer)
		return mcp.NewToolResultText(b.String()), nil
	})

	s.AddTool(mcp.NewTool("get_target_states",
		mcp.WithDescription("Show reachability and consistency of every target a server knows"),
		serverArg,
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		body, err := registry.call(ctx, request, communication.MessageTypeGetStates, nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var states []communication.TargetStateEntry
		if err := json.Unmarshal(body, &states); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var b strings.Builder
		for _, st := range states {
			fmt.Fprintf(&b, "target %d: %s, %s\n", st.Target, st.Reachability, st.Consistency)
		}
		return mcp.NewToolResultText(b.String()), nil
	})

	s.AddTool(mcp.NewTool("get_buddy_groups",
		mcp.WithDescription("Show the buddy group table of a server"),
		serverArg,
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		body, err := registry.call(ctx, request, communication.MessageTypeGetGroups, nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var groups []communication.BuddyGroupEntry
		if err := json.Unmarshal(body, &groups); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var b strings.Builder
		for _, g := range groups {
			fmt.Fprintf(&b, "group %d: primary %d, secondary %d\n", g.ID, g.Primary, g.Secondary)
		}
		return mcp.NewToolResultText(b.String()), nil
	})

	s.AddTool(mcp.NewTool("switchover",
		mcp.WithDescription("Swap primary and secondary of a buddy group on a server"),
		mcp.WithNumber("group_id", mcp.Required(), mcp.Description("Buddy group ID")),
		serverArg,
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireInt("group_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		body, err := registry.call(ctx, request, communication.MessageTypeSwitchOver, communication.SwitchOverRequest{GroupID: uint16(id)})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Switched over: %s", body)), nil
	})

	s.AddTool(mcp.NewTool("change_consistency",
		mcp.WithDescription("Change the consistency state of a target if it still has the expected old state"),
		mcp.WithNumber("target", mcp.Required(), mcp.Description("Target ID")),
		mcp.WithString("old_state", mcp.Required(), mcp.Description("Expected state: good, needs-resync or bad")),
		mcp.WithString("new_state", mcp.Required(), mcp.Description("New state: good, needs-resync or bad")),
		serverArg,
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := request.RequireInt("target")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		oldState, err := request.RequireString("old_state")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		newState, err := request.RequireString("new_state")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		req := communication.ChangeConsistencyRequest{
			Targets:   []uint16{uint16(target)},
			OldStates: []string{oldState},
			NewStates: []string{newState},
		}
		if _, err := registry.call(ctx, request, communication.MessageTypeChangeConsistency, req); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Target %d: %s -> %s", target, oldState, newState)), nil
	})
}

func main() {
	configPath := flag.String("config", "configs/mcp.yaml", "Path to the MCP YAML config")
	flag.Parse()

	// stdout carries the MCP protocol, so logs go to stderr
	ls := localdisc.NewWriterLogService(os.Stderr, "mcp", log_service.WarnLevel)

	config, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	registry := &ServerRegistry{
		Servers:       make(map[string]string, len(config.Servers)),
		DefaultServer: config.DefaultServer,
		Timeout:       config.Timeout,
		Communicator:  grpccomm.NewGRPCCommunicator("", ls),
		LogServer:     ls,
	}
	for _, srv := range config.Servers {
		registry.Servers[srv.ID] = srv.Address
	}

	s := server.NewMCPServer(
		"sandmirror",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	addTools(s, registry)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
	}
}

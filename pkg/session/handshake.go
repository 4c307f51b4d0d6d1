package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/mcp-orch/mcp-orch/pkg/errors"
	"github.com/mcp-orch/mcp-orch/pkg/logger"
	"github.com/mcp-orch/mcp-orch/pkg/versions"
)

// protocolVersion is the MCP revision spoken to backends.
const protocolVersion = "2024-11-05"

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
}

// handshake performs the initialize exchange on a freshly connected
// transport. On success the session is Ready; on failure the caller tears
// the transport down.
func (s *Session) handshake(ctx context.Context) error {
	params, err := json.Marshal(initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo: mcp.Implementation{
			Name:    "mcp-orch",
			Version: versions.Version,
		},
	})
	if err != nil {
		return errors.NewInternalError("failed to encode initialize params", err)
	}

	call, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(0), "initialize", params)
	if err != nil {
		return errors.NewInternalError("failed to build initialize call", err)
	}

	resp, err := s.Invoke(ctx, call)
	if err != nil {
		return errors.NewInitError(
			fmt.Sprintf("backend %q failed to initialize", s.server.Name), err)
	}
	if resp.Error != nil {
		return errors.NewInitError(
			fmt.Sprintf("backend %q rejected initialize", s.server.Name), resp.Error)
	}

	if err := s.Notify(ctx, "notifications/initialized", nil); err != nil {
		return errors.NewInitError(
			fmt.Sprintf("backend %q lost during initialized notification", s.server.Name), err)
	}

	s.markReady(resp.Result)
	logger.Debugw("backend session ready",
		"session", s.key.String(), "server", s.server.Name, "transport", s.server.Transport)
	return nil
}

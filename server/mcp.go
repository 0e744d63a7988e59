package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/a2a-x402"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MessageTool describes the x402_message tool: one call carries one
// message of a payment handshake.
func MessageTool() mcp.Tool {
	return mcp.NewTool(x402.MCPToolName,
		mcp.WithDescription("Send a message to the agent. Paid requests answer with a payment challenge; call again with the same taskId and a payment to complete them."),
		mcp.WithString(x402.MCPArgText,
			mcp.Description("The request text"),
		),
		mcp.WithString(x402.MCPArgTaskID,
			mcp.Description("Task id linking a payment to the challenge it answers"),
		),
		mcp.WithString(x402.MCPArgContextID,
			mcp.Description("Conversation id"),
		),
		mcp.WithObject(x402.MCPArgPayment,
			mcp.Description("Payment sub-object: status, payload"),
		),
		mcp.WithObject(x402.MCPArgMetadata,
			mcp.Description("Caller context, returned in _meta.metadata"),
		),
	)
}

// MessageToolHandler answers x402_message calls through the middleware.
func MessageToolHandler(mw *Middleware) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		request := &Request{
			CorrelationID: req.GetString(x402.MCPArgTaskID, ""),
		}
		if text := req.GetString(x402.MCPArgText, ""); text != "" {
			request.Content = []x402.Part{x402.TextPart(text)}
		}
		if meta, ok := args[x402.MCPArgMetadata].(map[string]any); ok {
			request.Context = x402.StripPaymentKeys(meta)
			if info := x402.PaymentInfoFromMetadata(meta); !info.IsZero() {
				request.Payment = &info
			}
		}
		if raw, ok := args[x402.MCPArgPayment]; ok && raw != nil {
			info, err := decodePaymentArg(raw)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid payment: %v", err)), nil
			}
			request.Payment = info
		}

		resp := mw.Handle(ctx, request)
		return toolResult(resp, req.GetString(x402.MCPArgContextID, "")), nil
	}
}

func decodePaymentArg(raw any) (*x402.PaymentInfo, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var info x402.PaymentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	if info.IsZero() {
		return nil, nil
	}
	return &info, nil
}

func toolResult(resp *Response, contextID string) *mcp.CallToolResult {
	task := TaskFromResponse(resp, contextID)

	meta := map[string]any{
		x402.MCPMetaTaskID: task.ID,
		x402.MCPMetaState:  string(task.Status.State),
	}
	if contextID != "" {
		meta[x402.MCPMetaContextID] = contextID
	}
	if len(task.Artifacts) > 0 {
		meta[x402.MCPMetaArtifact] = task.Artifacts[0]
	}
	if callerMeta := x402.StripPaymentKeys(resp.Context); len(callerMeta) > 0 {
		meta[x402.MCPMetaMetadata] = callerMeta
	}
	if resp.Payment != nil {
		meta = resp.Payment.ApplyTo(meta)
	}

	result := &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(resp.Text())},
		IsError: resp.Status == StatusFailed,
	}
	result.Meta = &mcp.Meta{AdditionalFields: meta}
	return result
}

// NewMCPServer exposes the middleware as an MCP server with the
// x402_message tool.
func NewMCPServer(mw *Middleware, name, version string) *server.MCPServer {
	s := server.NewMCPServer(name, version, server.WithToolCapabilities(false))
	s.AddTool(MessageTool(), MessageToolHandler(mw))
	return s
}

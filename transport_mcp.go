package x402

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCP binding of the messaging protocol: one tool call per message.
const (
	MCPToolName = "x402_message"

	MCPArgText      = "text"
	MCPArgTaskID    = "taskId"
	MCPArgContextID = "contextId"
	MCPArgPayment   = "payment"
	MCPArgMetadata  = "metadata"

	MCPMetaTaskID    = "taskId"
	MCPMetaContextID = "contextId"
	MCPMetaState     = "state"
	MCPMetaArtifact  = "artifact"
	MCPMetaMetadata  = "metadata"
)

// MCPCaller is the part of an MCP client the transport needs.
type MCPCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPTransport sends messages as calls to the x402_message tool.
type MCPTransport struct {
	caller MCPCaller
}

// NewMCPTransport wraps an initialized MCP client.
func NewMCPTransport(caller MCPCaller) *MCPTransport {
	return &MCPTransport{caller: caller}
}

// DialMCP connects to a streamable HTTP MCP endpoint and initializes the
// session. The returned close function ends it.
func DialMCP(ctx context.Context, serverURL string) (*MCPTransport, func() error, error) {
	mcpClient, err := client.NewStreamableHttpClient(serverURL)
	if err != nil {
		return nil, nil, fmt.Errorf("create MCP client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start MCP client: %w", err)
	}

	_, err = mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "a2a-x402-client",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		mcpClient.Close()
		return nil, nil, fmt.Errorf("initialize MCP session: %w", err)
	}

	return NewMCPTransport(mcpClient), mcpClient.Close, nil
}

// Send implements Transport.
func (t *MCPTransport) Send(ctx context.Context, msg *Message) (*Task, error) {
	args := map[string]any{
		MCPArgText:   msg.Text(),
		MCPArgTaskID: msg.TaskID,
	}
	if msg.ContextID != "" {
		args[MCPArgContextID] = msg.ContextID
	}
	if info := PaymentInfoFromMetadata(msg.Metadata); !info.IsZero() {
		args[MCPArgPayment] = info
	}
	if rest := StripPaymentKeys(msg.Metadata); len(rest) > 0 {
		args[MCPArgMetadata] = rest
	}

	result, err := t.caller.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      MCPToolName,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", MCPToolName, err)
	}
	return TaskFromToolResult(result)
}

// TaskFromToolResult rebuilds a task from an x402_message tool result.
func TaskFromToolResult(result *mcp.CallToolResult) (*Task, error) {
	if result == nil || result.Meta == nil || result.Meta.AdditionalFields == nil {
		return nil, fmt.Errorf("%w: tool result without _meta", ErrUnexpectedResponse)
	}
	meta := result.Meta.AdditionalFields

	taskID, _ := meta[MCPMetaTaskID].(string)
	if taskID == "" {
		return nil, fmt.Errorf("%w: tool result without task id", ErrUnexpectedResponse)
	}
	state, _ := meta[MCPMetaState].(string)
	if state == "" {
		state = string(TaskStateCompleted)
		if result.IsError {
			state = string(TaskStateFailed)
		}
	}
	contextID, _ := meta[MCPMetaContextID].(string)
	callerMeta, _ := meta[MCPMetaMetadata].(map[string]any)

	var parts []Part
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, TextPart(text.Text))
		}
	}

	status := &Message{
		MessageID: taskID + "-status",
		Role:      RoleAgent,
		Parts:     parts,
		TaskID:    taskID,
		ContextID: contextID,
		Metadata:  PaymentInfoFromMetadata(meta).ApplyTo(StripPaymentKeys(callerMeta)),
	}

	task := &Task{
		ID:        taskID,
		ContextID: contextID,
		Status: TaskStatus{
			State:   TaskState(state),
			Message: status,
		},
	}

	if raw, ok := meta[MCPMetaArtifact]; ok && raw != nil {
		var artifact Artifact
		if !convert(raw, &artifact) {
			return nil, fmt.Errorf("%w: malformed artifact", ErrUnexpectedResponse)
		}
		task.Artifacts = []Artifact{artifact}
	}
	return task, nil
}

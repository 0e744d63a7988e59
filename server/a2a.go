package server

import (
	"container/list"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/a2a-x402"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
)

// JSON-RPC error codes of the agent-messaging protocol.
const (
	CodeTaskNotFound = -32001
)

const defaultTaskCacheSize = 1024

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      mcp.RequestId   `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// A2AHandler serves message/send and tasks/get over JSON-RPC.
type A2AHandler struct {
	mw     *Middleware
	tasks  *taskCache
	logger logrus.FieldLogger
}

// NewA2AHandler remembers the last cacheSize tasks for tasks/get and for
// keeping context ids stable across a handshake.
func NewA2AHandler(mw *Middleware, cacheSize int, logger logrus.FieldLogger) *A2AHandler {
	if cacheSize <= 0 {
		cacheSize = defaultTaskCacheSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &A2AHandler{
		mw:     mw,
		tasks:  newTaskCache(cacheSize),
		logger: logger.WithField("component", "a2a"),
	}
}

func (h *A2AHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get(x402.ExtensionHeader), x402.ExtensionURI) {
		w.Header().Set(x402.ExtensionHeader, x402.ExtensionURI)
	}

	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeRPCError(w, mcp.NewRequestId(nil), mcp.PARSE_ERROR, "parse error")
		return
	}
	if req.JSONRPC != mcp.JSONRPC_VERSION || req.Method == "" {
		writeRPCError(w, req.ID, mcp.INVALID_REQUEST, "invalid request")
		return
	}

	switch req.Method {
	case x402.MethodSendMessage:
		var params x402.SendMessageParams
		if err := json.Unmarshal(req.Params, &params); err != nil || (len(params.Message.Parts) == 0 && params.Message.Metadata == nil) {
			writeRPCError(w, req.ID, mcp.INVALID_PARAMS, "message is required")
			return
		}
		writeRPCResult(w, req.ID, h.send(r, &params.Message))

	case x402.MethodGetTask:
		var params x402.GetTaskParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
			writeRPCError(w, req.ID, mcp.INVALID_PARAMS, "task id is required")
			return
		}
		task, ok := h.tasks.get(params.ID)
		if !ok {
			writeRPCError(w, req.ID, CodeTaskNotFound, "task not found")
			return
		}
		writeRPCResult(w, req.ID, task)

	default:
		writeRPCError(w, req.ID, mcp.METHOD_NOT_FOUND, "method not found: "+req.Method)
	}
}

func (h *A2AHandler) send(r *http.Request, msg *x402.Message) *x402.Task {
	contextID := msg.ContextID
	if contextID == "" {
		if prev, ok := h.tasks.get(msg.TaskID); ok {
			contextID = prev.ContextID
		} else {
			contextID = uuid.NewString()
		}
	}

	resp := h.mw.Handle(r.Context(), RequestFromMessage(msg))
	task := TaskFromResponse(resp, contextID)
	h.tasks.put(task)

	h.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"state":   task.Status.State,
	}).Debug("message handled")
	return task
}

func writeRPCResult(w http.ResponseWriter, id mcp.RequestId, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		writeRPCError(w, id, mcp.INTERNAL_ERROR, "failed to encode result")
		return
	}
	writeRPC(w, transport.JSONRPCResponse{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Result: data})
}

func writeRPCError(w http.ResponseWriter, id mcp.RequestId, code int, message string) {
	writeRPC(w, transport.JSONRPCResponse{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error:   &mcp.JSONRPCErrorDetails{Code: code, Message: message},
	})
}

func writeRPC(w http.ResponseWriter, resp transport.JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// taskCache keeps the most recently written tasks.
type taskCache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[string]*list.Element
}

func newTaskCache(size int) *taskCache {
	return &taskCache{max: size, order: list.New(), items: make(map[string]*list.Element)}
}

func (c *taskCache) put(task *x402.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[task.ID]; ok {
		el.Value = task
		c.order.MoveToFront(el)
		return
	}
	c.items[task.ID] = c.order.PushFront(task)
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*x402.Task).ID)
	}
}

func (c *taskCache) get(id string) (*x402.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*x402.Task), true
}

// AgentCard describes the agent at /.well-known/agent.json.
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	DefaultInputModes  []string          `json:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes"`
	Skills             []AgentSkill      `json:"skills"`
}

type AgentCapabilities struct {
	Streaming  bool             `json:"streaming"`
	Extensions []AgentExtension `json:"extensions,omitempty"`
}

type AgentExtension struct {
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// X402Extension is the capability entry advertising payment support.
func X402Extension() AgentExtension {
	return AgentExtension{
		URI:         x402.ExtensionURI,
		Description: "Supports payments using the x402 protocol for on-chain settlement.",
		Required:    true,
	}
}

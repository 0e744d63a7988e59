package x402

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	defaultHTTPTimeout = 2 * time.Minute

	// JSON-RPC methods of the agent-messaging protocol.
	MethodSendMessage = "message/send"
	MethodGetTask     = "tasks/get"
)

// Transport carries one message to the agent and returns the resulting task.
type Transport interface {
	Send(ctx context.Context, msg *Message) (*Task, error)
}

// SendMessageParams is the params object of message/send.
type SendMessageParams struct {
	Message  Message        `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GetTaskParams is the params object of tasks/get.
type GetTaskParams struct {
	ID string `json:"id"`
}

// A2ATransport speaks JSON-RPC over HTTP to an agent endpoint and requests
// the x402 extension on every call.
type A2ATransport struct {
	serverURL  *url.URL
	httpClient *http.Client
	headers    map[string]string

	nextID    atomic.Int64
	activated atomic.Bool
}

// A2AConfig configures the A2ATransport
type A2AConfig struct {
	ServerURL  string
	HTTPClient *http.Client
	Headers    map[string]string
}

// NewA2ATransport creates a new A2ATransport
func NewA2ATransport(config A2AConfig) (*A2ATransport, error) {
	parsedURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid server URL: %q", config.ServerURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &A2ATransport{
		serverURL:  parsedURL,
		httpClient: httpClient,
		headers:    config.Headers,
	}, nil
}

// ExtensionActive reports whether the agent confirmed the x402 extension.
func (t *A2ATransport) ExtensionActive() bool {
	return t.activated.Load()
}

// Send implements Transport via message/send.
func (t *A2ATransport) Send(ctx context.Context, msg *Message) (*Task, error) {
	return t.call(ctx, MethodSendMessage, SendMessageParams{Message: *msg})
}

// GetTask fetches the last known state of a task.
func (t *A2ATransport) GetTask(ctx context.Context, id string) (*Task, error) {
	return t.call(ctx, MethodGetTask, GetTaskParams{ID: id})
}

func (t *A2ATransport) call(ctx context.Context, method string, params any) (*Task, error) {
	request := transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(t.nextID.Add(1)),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := t.sendHTTP(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if strings.Contains(resp.Header.Get(ExtensionHeader), ExtensionURI) {
		t.activated.Store(true)
	}

	rpcResp, err := t.processResponse(ctx, resp)
	if err != nil {
		return nil, err
	}

	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%w: %s failed (%d): %s",
			ErrUnexpectedResponse, method, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var task Task
	if err := json.Unmarshal(rpcResp.Result, &task); err != nil {
		return nil, fmt.Errorf("%w: decode task: %v", ErrUnexpectedResponse, err)
	}
	if task.ID == "" {
		return nil, fmt.Errorf("%w: task without id", ErrUnexpectedResponse)
	}
	return &task, nil
}

// sendHTTP posts a JSON-RPC body with the standard headers.
func (t *A2ATransport) sendHTTP(ctx context.Context, body []byte) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(ExtensionHeader, ExtensionURI)
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// processResponse turns an HTTP response into a JSON-RPC response.
func (t *A2ATransport) processResponse(ctx context.Context, resp *http.Response) (*transport.JSONRPCResponse, error) {
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read error response: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return nil, fmt.Errorf("unauthorized (401): authentication required")
		case http.StatusForbidden:
			return nil, fmt.Errorf("forbidden (403): access denied")
		case http.StatusNotFound:
			return nil, fmt.Errorf("not found (404): endpoint does not exist")
		case http.StatusTooManyRequests:
			return nil, fmt.Errorf("rate limited (429): too many requests")
		case http.StatusBadGateway:
			return nil, fmt.Errorf("bad gateway (502): upstream server error")
		case http.StatusServiceUnavailable:
			return nil, fmt.Errorf("service unavailable (503): server temporarily unavailable")
		}

		var errResponse transport.JSONRPCResponse
		if err := json.Unmarshal(body, &errResponse); err == nil && errResponse.Error != nil {
			return &errResponse, nil
		}
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, body)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var response transport.JSONRPCResponse
		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		if response.ID.IsNil() {
			return nil, fmt.Errorf("response should contain RPC id: %v", response)
		}
		return &response, nil

	case "text/event-stream":
		return t.lastSSEResponse(ctx, resp.Body)

	default:
		return nil, fmt.Errorf("unexpected content type: %s", resp.Header.Get("Content-Type"))
	}
}

// lastSSEResponse reads a streamed reply to the end and keeps the final
// JSON-RPC response; streaming agents send interim task updates first.
func (t *A2ATransport) lastSSEResponse(ctx context.Context, body io.Reader) (*transport.JSONRPCResponse, error) {
	var last *transport.JSONRPCResponse
	err := readSSE(ctx, body, func(event, data string) {
		var message transport.JSONRPCResponse
		if err := json.Unmarshal([]byte(data), &message); err != nil {
			return
		}
		if message.ID.IsNil() {
			return
		}
		last = &message
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, fmt.Errorf("event stream ended without a response")
	}
	return last, nil
}

// readSSE reads an event stream and calls handler for each event
func readSSE(ctx context.Context, reader io.Reader, handler func(event, data string)) error {
	br := bufio.NewReader(reader)
	var event string
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		if event == "" {
			event = "message"
		}
		handler(event, strings.Join(dataLines, "\n"))
		event = ""
		dataLines = nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// The last line may arrive without a trailing newline.
				if trimmed := strings.TrimRight(line, "\r\n"); strings.HasPrefix(trimmed, "data:") {
					dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
				}
				flush()
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			flush()
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLine := strings.TrimPrefix(line, "data:")
			if len(dataLine) > 0 && dataLine[0] == ' ' {
				dataLine = dataLine[1:]
			}
			dataLines = append(dataLines, dataLine)
		}
	}
}

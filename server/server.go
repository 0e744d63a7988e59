package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/a2a-x402"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
)

// Config configures an X402Server.
type Config struct {
	Name        string
	Version     string
	Description string
	// URL is the public address advertised in the agent card.
	URL string

	// Facilitator takes precedence over FacilitatorURL.
	Facilitator    Facilitator
	FacilitatorURL string
	Ledger         Ledger
	Logger         logrus.FieldLogger
	Now            func() time.Time

	VerifyOnly     bool
	ResourcePrefix string
	Skills         []AgentSkill
	TaskCacheSize  int
	OnPaymentEvent func(x402.PaymentEvent)

	// Verbose logs the facilitator's supported kinds at startup.
	Verbose bool
}

// X402Server serves a payment-gated agent over A2A JSON-RPC and MCP.
type X402Server struct {
	config    *Config
	mw        *Middleware
	a2a       *A2AHandler
	mcpServer *server.MCPServer
	logger    logrus.FieldLogger
}

// NewX402Server wraps handler with the payment middleware and both bindings.
func NewX402Server(handler Handler, config *Config) (*X402Server, error) {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	facilitator := config.Facilitator
	if facilitator == nil {
		if config.FacilitatorURL == "" {
			return nil, errors.New("server: no facilitator configured")
		}
		facilitator = NewHTTPFacilitator(config.FacilitatorURL)
	}

	mw, err := NewMiddleware(handler, MiddlewareConfig{
		Facilitator:    facilitator,
		Ledger:         config.Ledger,
		Logger:         logger,
		Now:            config.Now,
		VerifyOnly:     config.VerifyOnly,
		ResourcePrefix: config.ResourcePrefix,
		OnPaymentEvent: config.OnPaymentEvent,
	})
	if err != nil {
		return nil, err
	}

	s := &X402Server{
		config:    config,
		mw:        mw,
		a2a:       NewA2AHandler(mw, config.TaskCacheSize, logger),
		mcpServer: NewMCPServer(mw, config.Name, config.Version),
		logger:    logger.WithField("component", "x402-server"),
	}
	s.fetchSupportedPayments(facilitator)
	return s, nil
}

// fetchSupportedPayments caches the facilitator's supported kinds so that
// requirement helpers can fill in network extras such as the fee payer.
func (s *X402Server) fetchSupportedPayments(facilitator Facilitator) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	supported, err := facilitator.GetSupported(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to fetch supported payments from facilitator; Solana requirements will lack a fee payer")
		return
	}
	SetSupportedPayments(supported)

	for _, kind := range supported {
		entry := s.logger.WithFields(logrus.Fields{"scheme": kind.Scheme, "network": kind.Network})
		if s.config.Verbose {
			entry.Info("facilitator supports payment kind")
		} else {
			entry.Debug("facilitator supports payment kind")
		}
	}
}

// AddTool adds a free MCP tool next to x402_message.
func (s *X402Server) AddTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
}

// Middleware returns the payment middleware, for in-process transports.
func (s *X402Server) Middleware() *Middleware {
	return s.mw
}

// MCPServer returns the underlying MCP server.
func (s *X402Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// AgentCard describes the server, declaring the x402 extension.
func (s *X402Server) AgentCard() AgentCard {
	skills := s.config.Skills
	if skills == nil {
		skills = []AgentSkill{}
	}
	return AgentCard{
		Name:        s.config.Name,
		Description: s.config.Description,
		URL:         s.config.URL,
		Version:     s.config.Version,
		Capabilities: AgentCapabilities{
			Extensions: []AgentExtension{X402Extension()},
		},
		DefaultInputModes:  []string{"text", "text/plain"},
		DefaultOutputModes: []string{"text", "text/plain", "application/json"},
		Skills:             skills,
	}
}

// Handler returns the HTTP routes:
//
//	POST /                        A2A JSON-RPC (message/send, tasks/get)
//	GET  /.well-known/agent.json  agent card
//	GET  /healthz                 liveness
//	     /mcp                     MCP streamable HTTP
func (s *X402Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/", s.a2a.ServeHTTP)
	r.Get("/.well-known/agent.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.AgentCard())
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/mcp", server.NewStreamableHTTPServer(s.mcpServer))
	return r
}

// Start serves on addr until the listener fails.
func (s *X402Server) Start(addr string) error {
	return s.Run(context.Background(), addr)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *X402Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.WithFields(logrus.Fields{
		"addr":        addr,
		"verify_only": s.config.VerifyOnly,
	}).Info("starting x402 agent server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down x402 agent server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return s.mw.Ledger().Close()
	}
}

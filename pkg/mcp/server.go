// Package mcp exposes the subnet gateway to AI agents as a Model Context
// Protocol tool server. Agents can list the service catalog, quote a query and
// run paid queries, with every payment drawn from a spending budget the
// operator sets up front.
//
// Usage:
//
//	payer, _ := x402.NewPayer(os.Getenv("PAYER_PRIVATE_KEY"))
//	server := mcp.NewServer(mcp.ServerConfig{
//	    GatewayURL: "http://localhost:4021",
//	    Client:     x402.NewClient(payer),
//	    Budget:     100000, // 0.10 USDC
//	})
//	server.ListenStdio()
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siddimore/x402-subnet-gateway/pkg/x402"
)

// JSONRPCRequest is a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id,omitempty"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// Tool represents an MCP tool definition
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema defines the tool's input parameters
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single input property
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

// ToolResult is the result of a tool call
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is a piece of content in a tool result
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ServerConfig configures the MCP server
type ServerConfig struct {
	// GatewayURL is the base URL of the subnet gateway.
	GatewayURL string
	// Client pays for queries. Required for query_subnets.
	Client *x402.Client

	// Budget caps total spend in the asset's atomic units. Default: 100000.
	Budget int64
	// MaxPerCall caps a single payment. Zero means only the budget applies.
	MaxPerCall int64

	// HTTPClient fetches the free catalog endpoint.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Budget is the running spend of a server.
type Budget struct {
	Total    int64 `json:"total"`
	Spent    int64 `json:"spent"`
	Reserved int64 `json:"reserved"`
	Payments int   `json:"payments"`
}

// Remaining is what can still be committed to new payments.
func (b Budget) Remaining() int64 { return b.Total - b.Spent - b.Reserved }

// Server is the MCP server
type Server struct {
	config ServerConfig
	mu     sync.Mutex
	budget Budget
	logger *zap.Logger
}

var errBudgetExceeded = errors.New("insufficient budget")

// NewServer creates a new MCP server
func NewServer(config ServerConfig) *Server {
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Budget == 0 {
		config.Budget = 100000
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	config.GatewayURL = strings.TrimRight(config.GatewayURL, "/")

	return &Server{
		config: config,
		budget: Budget{Total: config.Budget},
		logger: config.Logger,
	}
}

// Budget returns a snapshot of the spend so far.
func (s *Server) Budget() Budget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget
}

// GetTools returns the list of available tools
func (s *Server) GetTools() []Tool {
	queryProps := map[string]Property{
		"query": {
			Type:        "string",
			Description: "Natural language question, at most 1000 characters",
		},
		"service": {
			Type:        "string",
			Description: "Service id from list_services",
			Default:     "general",
		},
		"max_results": {
			Type:        "number",
			Description: "Number of ranked passages to return (1-20)",
			Default:     5,
		},
	}
	paidProps := map[string]Property{
		"max_cost": {
			Type:        "number",
			Description: "Refuse to pay more than this (in the asset's smallest unit)",
		},
	}
	for k, v := range queryProps {
		paidProps[k] = v
	}

	return []Tool{
		{
			Name:        "list_services",
			Description: "List the query services offered by the gateway and their price per query. Free.",
			InputSchema: InputSchema{Type: "object"},
		},
		{
			Name:        "quote_query",
			Description: "Get the exact payment a query would require without paying for it.",
			InputSchema: InputSchema{Type: "object", Properties: queryProps, Required: []string{"query"}},
		},
		{
			Name:        "query_subnets",
			Description: "Run a paid query across the subnets serving a service and return ranked results with provenance. The payment is drawn from the budget.",
			InputSchema: InputSchema{Type: "object", Properties: paidProps, Required: []string{"query"}},
		},
		{
			Name:        "budget",
			Description: "Show or top up the spending budget.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"action": {
						Type:        "string",
						Description: "Action to perform",
						Enum:        []string{"status", "topup"},
						Default:     "status",
					},
					"amount": {
						Type:        "number",
						Description: "Amount to add for topup (in the asset's smallest unit)",
					},
				},
			},
		},
	}
}

// CallTool handles a tool call
func (s *Server) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	switch name {
	case "list_services":
		return s.handleListServices(ctx)
	case "quote_query":
		return s.handleQuote(ctx, args)
	case "query_subnets":
		return s.handleQuery(ctx, args)
	case "budget":
		return s.handleBudget(args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func (s *Server) handleListServices(ctx context.Context) (*ToolResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.GatewayURL+"/api/rag/services", nil)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return errorResult(fmt.Sprintf("gateway unreachable: %v", err)), nil
	}
	defer resp.Body.Close()

	var body struct {
		Services []struct {
			ID            string `json:"id"`
			Name          string `json:"name"`
			Description   string `json:"description"`
			PricePerQuery string `json:"pricePerQuery"`
		} `json:"services"`
	}
	if resp.StatusCode != http.StatusOK {
		return errorResult(fmt.Sprintf("gateway returned status %d", resp.StatusCode)), nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errorResult("could not parse service list"), nil
	}

	var b strings.Builder
	b.WriteString("| Service | Name | Price per query | Description |\n")
	b.WriteString("|---------|------|-----------------|-------------|\n")
	for _, svc := range body.Services {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", svc.ID, svc.Name, svc.PricePerQuery, svc.Description)
	}
	return textResult(b.String()), nil
}

func (s *Server) handleQuote(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	target, err := s.queryURL(args)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if s.config.Client == nil {
		return errorResult("no paying client configured"), nil
	}
	required, resp, err := s.config.Client.Quote(ctx, target)
	if err != nil {
		return errorResult(fmt.Sprintf("quote failed: %v", err)), nil
	}
	if required == nil {
		return errorResult(fmt.Sprintf("gateway answered %d: %s", resp.StatusCode, truncate(string(resp.Body), 300))), nil
	}
	if len(required.Accepts) == 0 {
		return errorResult("gateway offered no payment option"), nil
	}
	r := required.Accepts[0]
	b := s.Budget()
	return textResult(fmt.Sprintf(
		"Amount: %s (atomic units)\nAsset: %s\nNetwork: %s\nPay to: %s\nExpires after: %ds\nBudget remaining: %d",
		r.Amount, r.Asset, r.Network, r.PayTo, r.MaxTimeoutSeconds, b.Remaining())), nil
}

func (s *Server) handleQuery(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	target, err := s.queryURL(args)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if s.config.Client == nil {
		return errorResult("no paying client configured"), nil
	}
	var maxCost int64
	if mc, ok := args["max_cost"].(float64); ok && mc > 0 {
		maxCost = int64(mc)
	}

	var reserved int64
	resp, err := s.config.Client.Get(ctx, target, func(r x402.PaymentRequirements) error {
		cost, err := strconv.ParseInt(r.Amount, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: unreadable amount %q", x402.ErrPaymentDeclined, r.Amount)
		}
		if maxCost > 0 && cost > maxCost {
			return fmt.Errorf("%w: cost %d exceeds max_cost %d", x402.ErrPaymentDeclined, cost, maxCost)
		}
		if s.config.MaxPerCall > 0 && cost > s.config.MaxPerCall {
			return fmt.Errorf("%w: cost %d exceeds the per-call limit %d", x402.ErrPaymentDeclined, cost, s.config.MaxPerCall)
		}
		if err := s.reserve(cost); err != nil {
			return err
		}
		reserved = cost
		return nil
	})
	settled := err == nil && resp != nil && resp.Settlement != nil && resp.Settlement.Success
	if reserved > 0 {
		s.commit(reserved, settled)
	}
	if err != nil {
		s.logger.Info("paid query failed", zap.String("url", target), zap.Error(err))
		return errorResult(err.Error()), nil
	}
	if resp.StatusCode != http.StatusOK {
		return errorResult(fmt.Sprintf("gateway answered %d: %s", resp.StatusCode, truncate(string(resp.Body), 300))), nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Body, "", "  "); err != nil {
		pretty.Write(resp.Body)
	}
	var header string
	if settled {
		b := s.Budget()
		header = fmt.Sprintf("Paid %d (tx %s). Budget remaining: %d\n\n", reserved, resp.Settlement.Transaction, b.Remaining())
	}
	return textResult(header + pretty.String()), nil
}

func (s *Server) handleBudget(args map[string]interface{}) (*ToolResult, error) {
	action, _ := args["action"].(string)
	switch action {
	case "", "status":
	case "topup":
		amount, ok := args["amount"].(float64)
		if !ok || amount <= 0 {
			return errorResult("topup needs a positive amount"), nil
		}
		s.mu.Lock()
		s.budget.Total += int64(amount)
		s.mu.Unlock()
	default:
		return errorResult(fmt.Sprintf("unknown action %q", action)), nil
	}

	b := s.Budget()
	return textResult(fmt.Sprintf("Total: %d\nSpent: %d\nRemaining: %d\nPayments: %d",
		b.Total, b.Spent, b.Remaining(), b.Payments)), nil
}

// reserve holds cost against the budget until the payment outcome is known.
func (s *Server) reserve(cost int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cost > s.budget.Remaining() {
		return fmt.Errorf("%w: %w: need %d, have %d", x402.ErrPaymentDeclined, errBudgetExceeded, cost, s.budget.Remaining())
	}
	s.budget.Reserved += cost
	return nil
}

func (s *Server) commit(cost int64, settled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget.Reserved -= cost
	if settled {
		s.budget.Spent += cost
		s.budget.Payments++
	}
}

func (s *Server) queryURL(args map[string]interface{}) (string, error) {
	q, _ := args["query"].(string)
	if strings.TrimSpace(q) == "" {
		return "", errors.New("query is required")
	}
	values := url.Values{"q": {q}}
	if svc, _ := args["service"].(string); svc != "" {
		values.Set("service", svc)
	}
	if n, ok := args["max_results"].(float64); ok {
		values.Set("maxResults", strconv.Itoa(int(n)))
	}
	return s.config.GatewayURL + "/api/rag/query?" + values.Encode(), nil
}

// ListenStdio serves MCP on stdin/stdout, the standard local transport.
func (s *Server) ListenStdio() error {
	return s.Serve(context.Background(), os.Stdin, os.Stdout)
}

// Serve reads newline delimited JSON-RPC messages from r and writes the
// responses to w until r is exhausted or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := bufio.NewReader(r)
	encoder := json.NewEncoder(w)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var req JSONRPCRequest
			if jerr := json.Unmarshal(line, &req); jerr != nil {
				_ = encoder.Encode(errorResponse(nil, ParseError, "Parse error"))
			} else if resp := s.HandleRequest(ctx, &req); resp != nil {
				_ = encoder.Encode(resp)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// HTTPHandler serves MCP over plain HTTP POST.
func (s *Server) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")

		var req JSONRPCRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			_ = json.NewEncoder(w).Encode(errorResponse(nil, ParseError, "Parse error"))
			return
		}
		resp := s.HandleRequest(r.Context(), &req)
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// HandleRequest dispatches one message. Notifications get no response.
func (s *Server) HandleRequest(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	if req.ID == nil && strings.HasPrefix(req.Method, "notifications/") {
		return nil
	}
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, InvalidRequest, "jsonrpc must be 2.0")
	}

	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, map[string]interface{}{
			"protocolVersion": ProtocolVersion,
			"serverInfo": map[string]string{
				"name":    "x402-subnet-gateway",
				"version": "1.0.0",
			},
			"capabilities": map[string]interface{}{
				"tools": map[string]bool{},
			},
		})
	case "ping":
		return resultResponse(req.ID, map[string]interface{}{})
	case "tools/list":
		return resultResponse(req.ID, map[string]interface{}{"tools": s.GetTools()})
	case "tools/call":
		var params struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, InvalidParams, "Invalid params")
		}
		if params.Arguments == nil {
			params.Arguments = map[string]interface{}{}
		}
		result, err := s.CallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			return errorResponse(req.ID, InvalidParams, err.Error())
		}
		return resultResponse(req.ID, result)
	default:
		return errorResponse(req.ID, MethodNotFound, "Method not found")
	}
}

func resultResponse(id interface{}, result interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id interface{}, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: message}}
}

func textResult(text string) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(message string) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: "Error: " + message}},
		IsError: true,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

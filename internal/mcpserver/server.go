// Package mcpserver exposes the inventory tools to AI agents over the Model
// Context Protocol, on stdio or streamable HTTP.
package mcpserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/bookstore/stockcore/internal/tools"
)

const (
	serverName    = "stockcore-inventory"
	serverVersion = "1.0.0"
)

// TransportKind identifies the MCP transport implementation.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// Server hosts the MCP server.
type Server struct {
	mcpServer *mcp.Server
	log       *zap.Logger
}

// New builds an MCP server with every inventory tool registered.
func New(svc tools.API, log *zap.Logger) *Server {
	mcpServer := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	registerTools(mcpServer, svc)
	return &Server{mcpServer: mcpServer, log: log}
}

func registerTools(s *mcp.Server, svc tools.API) {
	add(s, tools.CheckProductAvailability, svc.CheckProductAvailability)
	add(s, tools.SearchProductsByName, svc.SearchProductsByName)
	add(s, tools.SearchProductsByCategory, svc.SearchProductsByCategory)
	add(s, tools.GetProductDetails, svc.GetProductDetails)
	add(s, tools.ReserveProduct, svc.ReserveProduct)
	add(s, tools.CancelReservation, svc.CancelReservation)
	add(s, tools.ExtendReservation, svc.ExtendReservation)
	add(s, tools.UpdateProductStock, svc.UpdateProductStock)
	add(s, tools.GetLowStockAlerts, svc.GetLowStockAlerts)
	add(s, tools.AddNewProduct, svc.AddNewProduct)
	add(s, tools.CheckOrderStatus, svc.CheckOrderStatus)
	add(s, tools.CreateNewOrder, svc.CreateNewOrder)
	add(s, tools.UpdateOrderStatus, svc.UpdateOrderStatus)
	add(s, tools.GetCustomerOrders, svc.GetCustomerOrders)
	add(s, tools.ProcessRefund, svc.ProcessRefund)
	add(s, tools.CheckRefundStatus, svc.CheckRefundStatus)
	add(s, tools.CompleteRefund, svc.CompleteRefund)
}

func add[In, Out any](s *mcp.Server, d tools.Descriptor, call func(context.Context, In) (Out, error)) {
	mcp.AddTool(s, &mcp.Tool{Name: d.Name, Description: d.Description}, handler(call))
}

// handler adapts a tool method. Domain errors come back to the agent as a
// tool result with IsError set, carrying the error text.
func handler[In, Out any](call func(context.Context, In) (Out, error)) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		out, err := call(ctx, in)
		if err != nil {
			var zero Out
			return nil, zero, err
		}
		return nil, out, nil
	}
}

// Serve runs the server on t until the client disconnects or ctx ends.
func (s *Server) Serve(ctx context.Context, t mcp.Transport) error {
	s.log.Info("MCP session starting", zap.String("transport", fmt.Sprintf("%T", t)))
	if err := s.mcpServer.Run(ctx, t); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// ServeStdio serves a single agent on standard input and output.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Serve(ctx, &mcp.StdioTransport{})
}

// Handler returns the streamable HTTP endpoint. Every session shares the
// same server and therefore the same tool service.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

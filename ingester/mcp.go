package ingester

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/intake/docpipe"
	"github.com/hazyhaar/intake/kit"
	"github.com/hazyhaar/intake/transform"
)

// RegisterMCP registers the intake_check tool: a dry run of the pipeline on
// an inline document. Nothing is delivered and no quota is consumed.
func (ing *Ingester) RegisterMCP(srv *mcp.Server) {
	props := docpipe.ArtifactProperties()
	props["client_id"] = map[string]any{"type": "string", "description": "Client the upload is checked for (optional)"}

	tool := &mcp.Tool{
		Name:        "intake_check",
		Description: "Dry-run an upload: detect, parse, validate and transform a document without delivering it.",
		InputSchema: docpipe.InputSchema(props, []string{"name", "content_base64"}),
	}

	type checkRequest struct {
		docpipe.ArtifactRequest
		ClientID string `json:"client_id,omitempty"`
	}

	check := func(ctx context.Context, req any) (any, error) {
		r := req.(*checkRequest)
		a, err := r.Artifact()
		if err != nil {
			return nil, err
		}
		res := ing.Check(ctx, kit.GetClientID(ctx), a)
		return struct {
			Summary
			States  []State                     `json:"states"`
			Records []transform.CanonicalRecord `json:"records,omitempty"`
		}{res.Summary(), res.States, res.Records}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r checkRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		clientID := r.ClientID
		if clientID == "" {
			clientID = "mcp"
		}
		return &kit.MCPDecodeResult{
			Request:   &r,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithClientID(ctx, clientID) },
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Chain(ing.logTool(tool.Name))(check), decode)
}

func (ing *Ingester) logTool(name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			ing.logger.Debug("ingester: tool call", "tool", name, "transport", kit.GetTransport(ctx),
				"client", kit.GetClientID(ctx), "duration_ms", time.Since(start).Milliseconds(), "error", err)
			return resp, err
		}
	}
}

package docpipe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/intake/kit"
)

// RegisterMCP registers docpipe tools on an MCP server.
func (p *Pipeline) RegisterMCP(srv *mcp.Server) {
	p.registerParseTool(srv)
	p.registerDetectTool(srv)
	p.registerFormatsTool(srv)
}

// InputSchema builds a JSON object schema for tool arguments.
func InputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// ArtifactRequest carries an inline document in tool arguments.
type ArtifactRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Content     string `json:"content_base64"`
}

// Artifact decodes the base64 payload.
func (r *ArtifactRequest) Artifact() (Artifact, error) {
	data, err := base64.StdEncoding.DecodeString(r.Content)
	if err != nil {
		return Artifact{}, fmt.Errorf("content_base64: %w", err)
	}
	return Artifact{Name: r.Name, ContentType: r.ContentType, Data: data}, nil
}

// ArtifactProperties is the schema shared by tools taking an inline document.
func ArtifactProperties() map[string]any {
	return map[string]any{
		"name":           map[string]any{"type": "string", "description": "File name including extension"},
		"content_type":   map[string]any{"type": "string", "description": "Declared MIME type (optional)"},
		"content_base64": map[string]any{"type": "string", "description": "Document bytes, base64 encoded"},
	}
}

// DecodeArtifactRequest is a kit decode function for ArtifactRequest arguments.
func DecodeArtifactRequest(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r ArtifactRequest
	if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
		return nil, err
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

// --- parse ---

func (p *Pipeline) registerParseTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docpipe_parse",
		Description: "Detect and parse a document (csv, xlsx, json, pdf, docx) into records.",
		InputSchema: InputSchema(ArtifactProperties(), []string{"name", "content_base64"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		a, err := req.(*ArtifactRequest).Artifact()
		if err != nil {
			return nil, err
		}
		_, rs, err := p.Extract(ctx, a)
		if err != nil {
			return nil, err
		}
		return rs, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, DecodeArtifactRequest)
}

// --- detect ---

func (p *Pipeline) registerDetectTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docpipe_detect",
		Description: "Detect the format of a document from its name and content.",
		InputSchema: InputSchema(ArtifactProperties(), []string{"name", "content_base64"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		a, err := req.(*ArtifactRequest).Artifact()
		if err != nil {
			return nil, err
		}
		format, err := p.Detect(a)
		if err != nil {
			return nil, err
		}
		return map[string]any{"format": string(format)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, DecodeArtifactRequest)
}

// --- formats ---

func (p *Pipeline) registerFormatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docpipe_formats",
		Description: "List all supported document formats.",
		InputSchema: InputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{"formats": SupportedFormats()}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

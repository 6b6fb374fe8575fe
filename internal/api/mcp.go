package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/medidash/internal/flow"
	"github.com/kalambet/medidash/internal/llm"
	"github.com/kalambet/medidash/internal/medical"
	"github.com/kalambet/medidash/internal/profile"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service  *medical.Service
	Profiles *profile.Manager

	// Owner is used when a tool call does not name a user.
	Owner string
}

// NewMCPServer creates an MCP server exposing the analysis flows as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"medidash",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("medidash: medical report and prescription analysis with stored patient records."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("extract_medical_data",
			mcp.WithDescription("Extract lab results (test, value, unit, reference range, status) from a medical report. Provide exactly one of reportText or reportDataUri."),
			mcp.WithString("reportText", mcp.Description("The report as plain text")),
			mcp.WithString("reportDataUri", mcp.Description("The report as a base64 data URI (PDF or image)")),
		),
		mcpExtract(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_prescription",
			mcp.WithDescription("List the medicines in a prescription and flag drug interactions. Provide exactly one of prescriptionText or prescriptionDataUri."),
			mcp.WithString("prescriptionText", mcp.Description("The prescription as plain text")),
			mcp.WithString("prescriptionDataUri", mcp.Description("The prescription as a base64 data URI")),
		),
		mcpAnalyzePrescription(deps),
	)

	s.AddTool(
		mcp.NewTool("list_reports",
			mcp.WithDescription("List a user's stored reports, newest first, with their status and abnormal result count."),
			mcp.WithString("userId", mcp.Description("User whose reports to list (defaults to the configured user)")),
		),
		mcpListReports(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_chatbot",
			mcp.WithDescription("Ask a general medical question. The chatbot is not a doctor and declines diagnoses."),
			mcp.WithString("question", mcp.Description("The question to ask"), mcp.Required()),
		),
		mcpAskChatbot(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"patient://profile",
			"Patient Profile",
			mcp.WithResourceDescription("The configured user's profile as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfile(deps),
	)

	return s
}

func mcpExtract(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := deps.Service.ExtractMedicalData(ctx, medical.ExtractInput{
			ReportText:    req.GetString("reportText", ""),
			ReportDataURI: req.GetString("reportDataUri", ""),
		})
		if err != nil {
			return mcpFlowError(err), nil
		}
		return mcpJSON(out)
	}
}

func mcpAnalyzePrescription(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := deps.Service.AnalyzePrescription(ctx, medical.PrescriptionInput{
			PrescriptionText:    req.GetString("prescriptionText", ""),
			PrescriptionDataURI: req.GetString("prescriptionDataUri", ""),
		})
		if err != nil {
			return mcpFlowError(err), nil
		}
		return mcpJSON(out)
	}
}

func mcpListReports(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner := req.GetString("userId", deps.Owner)
		if owner == "" {
			return mcpError("userId is required"), nil
		}
		reports, err := deps.Service.Reports(ctx, owner)
		if err != nil {
			return mcpFlowError(err), nil
		}

		type reportResult struct {
			ID         string `json:"id"`
			UploadedAt string `json:"uploadedAt"`
			medical.ReportSummary
		}
		results := make([]reportResult, len(reports))
		for i, r := range reports {
			results[i] = reportResult{
				ID:            r.ID,
				UploadedAt:    r.UploadedAt.Format("2006-01-02"),
				ReportSummary: medical.Summarize(r.Report),
			}
		}
		return mcpJSON(results)
	}
}

func mcpAskChatbot(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		reply, err := deps.Service.Chatbot(ctx, medical.ChatbotInput{
			Messages: []medical.Message{{Role: llm.RoleUser, Content: question}},
		})
		if err != nil {
			return mcpFlowError(err), nil
		}
		return mcpText(reply), nil
	}
}

func mcpResourceProfile(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p, err := deps.Profiles.GetProfile(deps.Owner)
		if err != nil {
			return nil, fmt.Errorf("failed to get profile: %w", err)
		}

		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal profile: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpFlowError(err error) *mcp.CallToolResult {
	return mcpError(fmt.Sprintf("%s (%v)", flow.UserMessage(err), err))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

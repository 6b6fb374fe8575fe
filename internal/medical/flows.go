package medical

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/medidash/internal/document"
	"github.com/kalambet/medidash/internal/flow"
	"github.com/kalambet/medidash/internal/llm"
	"github.com/kalambet/medidash/internal/places"
	"github.com/kalambet/medidash/internal/retry"
	"github.com/kalambet/medidash/internal/schema"
	"github.com/kalambet/medidash/internal/telemetry"
)

// Flow names, used in logs, metrics and errors.
const (
	FlowExtract      = "extract_medical_data"
	FlowDecision     = "provide_decision_support"
	FlowPrescription = "analyze_prescription"
	FlowChat         = "chat_with_ai"
	FlowChatbot      = "chatbot"
	FlowAssistant    = "assistant"
	FlowPharmacies   = "find_nearby_pharmacies"
)

// ExtractInput carries a report as text or as a data URI, never both.
type ExtractInput struct {
	ReportText    string `json:"reportText,omitempty"`
	ReportDataURI string `json:"reportDataUri,omitempty"`
}

type DecisionInput struct {
	ExtractedValues []ExtractedValue `json:"extractedValues"`
	PatientInfo     string           `json:"patientInfo"`
}

// PrescriptionInput carries a prescription as text or as a data URI, never both.
type PrescriptionInput struct {
	PrescriptionText    string `json:"prescriptionText,omitempty"`
	PrescriptionDataURI string `json:"prescriptionDataUri,omitempty"`
}

type ChatInput struct {
	Messages         []Message `json:"messages"`
	ReportData       string    `json:"reportData,omitempty"`
	PrescriptionData string    `json:"prescriptionData,omitempty"`
}

type ChatbotInput struct {
	Messages []Message `json:"messages"`
}

type AssistantInput struct {
	UserID   string    `json:"userId"`
	Messages []Message `json:"messages"`
}

// assistantCall pairs the assistant input with the report summaries loaded
// for it before the flow runs.
type assistantCall struct {
	AssistantInput
	Reports []ReportSummary
}

// NearbyInput leaves the coordinates as pointers so a missing one is
// rejected rather than read as 0.
type NearbyInput struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	UserID    string   `json:"userId"`
	Save      bool     `json:"save,omitempty"`
}

type ReminderInput struct {
	PatientID      string `json:"patientId"`
	PrescriptionID string `json:"prescriptionId,omitempty"`
	MedicineName   string `json:"medicineName"`
}

// PlacesSearcher runs a nearby keyword search and returns the raw response
// body. Implemented by places.Client.
type PlacesSearcher interface {
	Nearby(ctx context.Context, keyword string, lat, lng float64) ([]byte, error)
}

type nearbyQuery struct {
	lat, lng float64
}

// flowDeps is what every flow shares.
type flowDeps struct {
	policy   retry.Policy
	recorder telemetry.Recorder
	logger   *slog.Logger
}

func newLLMFlow[In, Out any](
	d flowDeps,
	name string,
	gen llm.Generator,
	check func(In) error,
	build func(In) (llm.Request, error),
	parse func(string) (Out, error),
) *flow.Flow[In, llm.Request, Out] {
	return &flow.Flow[In, llm.Request, Out]{
		Name:     name,
		Policy:   d.policy,
		Check:    check,
		Build:    build,
		Invoke:   gen.Generate,
		Parse:    parse,
		Recorder: d.recorder,
		Logger:   d.logger,
	}
}

func conform[In any](s schema.Schema) func(In) error {
	return func(in In) error { return schema.Conform(s, in) }
}

// exactlyOne enforces the text-or-data-URI rule.
func exactlyOne(text, dataURI, textField, uriField string) error {
	hasText := strings.TrimSpace(text) != ""
	hasURI := strings.TrimSpace(dataURI) != ""
	switch {
	case hasText && hasURI:
		return fmt.Errorf("provide either %s or %s, not both", textField, uriField)
	case !hasText && !hasURI:
		return fmt.Errorf("provide %s or %s", textField, uriField)
	}
	return nil
}

// payload resolves the text-or-data-URI pair. Plain-text documents are
// folded into the text; everything else becomes an attachment.
func payload(text, dataURI string) (string, []llm.Media, error) {
	if strings.TrimSpace(dataURI) == "" {
		return text, nil, nil
	}
	f, err := document.ParseDataURI(dataURI)
	if err != nil {
		return "", nil, err
	}
	if f.MIMEType == "text/plain" {
		return string(f.Data), nil, nil
	}
	return "", []llm.Media{{MIMEType: f.MIMEType, Data: f.Data}}, nil
}

func newExtractFlow(d flowDeps, gen llm.Generator) *flow.Flow[ExtractInput, llm.Request, Extraction] {
	check := func(in ExtractInput) error {
		if err := schema.Conform(extractInputSchema, in); err != nil {
			return err
		}
		return exactlyOne(in.ReportText, in.ReportDataURI, "reportText", "reportDataUri")
	}
	build := func(in ExtractInput) (llm.Request, error) {
		text, media, err := payload(in.ReportText, in.ReportDataURI)
		if err != nil {
			return llm.Request{}, fmt.Errorf("reading report: %w", err)
		}
		return llm.Request{
			System:   extractSystemPrompt,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: extractPrompt(text, len(media) > 0)}},
			Media:    media,
			Schema:   ExtractionSchema.JSONSchema(),
		}, nil
	}
	return newLLMFlow(d, FlowExtract, gen, check, build, flow.JSONOutput[Extraction](ExtractionSchema))
}

func newDecisionFlow(d flowDeps, gen llm.Generator) *flow.Flow[DecisionInput, llm.Request, DecisionSupport] {
	build := func(in DecisionInput) (llm.Request, error) {
		return llm.Request{
			System:   decisionSystemPrompt,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: decisionPrompt(in.ExtractedValues, in.PatientInfo)}},
			Schema:   DecisionSupportSchema.JSONSchema(),
		}, nil
	}
	return newLLMFlow(d, FlowDecision, gen, conform[DecisionInput](decisionInputSchema), build,
		flow.JSONOutput[DecisionSupport](DecisionSupportSchema))
}

func newPrescriptionFlow(d flowDeps, gen llm.Generator) *flow.Flow[PrescriptionInput, llm.Request, PrescriptionAnalysis] {
	check := func(in PrescriptionInput) error {
		if err := schema.Conform(prescriptionInputSchema, in); err != nil {
			return err
		}
		return exactlyOne(in.PrescriptionText, in.PrescriptionDataURI, "prescriptionText", "prescriptionDataUri")
	}
	build := func(in PrescriptionInput) (llm.Request, error) {
		text, media, err := payload(in.PrescriptionText, in.PrescriptionDataURI)
		if err != nil {
			return llm.Request{}, fmt.Errorf("reading prescription: %w", err)
		}
		return llm.Request{
			System:   prescriptionSystemPrompt,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prescriptionPrompt(text, len(media) > 0)}},
			Media:    media,
			Schema:   PrescriptionSchema.JSONSchema(),
		}, nil
	}
	return newLLMFlow(d, FlowPrescription, gen, check, build, flow.JSONOutput[PrescriptionAnalysis](PrescriptionSchema))
}

func newChatFlow(d flowDeps, gen llm.Generator) *flow.Flow[ChatInput, llm.Request, string] {
	build := func(in ChatInput) (llm.Request, error) {
		return llm.Request{
			System:      chatSystem(in.ReportData, in.PrescriptionData),
			Messages:    in.Messages,
			Temperature: 0.4,
		}, nil
	}
	return newLLMFlow(d, FlowChat, gen, conform[ChatInput](chatInputSchema), build, flow.TextOutput)
}

// orFallback accepts any reply, substituting fallback for a blank one.
func orFallback(fallback string) func(string) (string, error) {
	return func(raw string) (string, error) {
		if text := strings.TrimSpace(raw); text != "" {
			return text, nil
		}
		return fallback, nil
	}
}

func newChatbotFlow(d flowDeps, gen llm.Generator) *flow.Flow[ChatbotInput, llm.Request, string] {
	build := func(in ChatbotInput) (llm.Request, error) {
		return llm.Request{
			System:      chatbotSystemPrompt,
			Messages:    in.Messages,
			Temperature: 0.4,
		}, nil
	}
	return newLLMFlow(d, FlowChatbot, gen, conform[ChatbotInput](chatbotInputSchema), build, orFallback(chatbotFallback))
}

func newAssistantFlow(d flowDeps, gen llm.Generator) *flow.Flow[assistantCall, llm.Request, string] {
	check := func(in assistantCall) error {
		return schema.Conform(assistantInputSchema, in.AssistantInput)
	}
	build := func(in assistantCall) (llm.Request, error) {
		system, err := assistantSystem(in.UserID, in.Reports)
		if err != nil {
			return llm.Request{}, err
		}
		return llm.Request{
			System:      system,
			Messages:    in.Messages,
			Temperature: 0.4,
		}, nil
	}
	return newLLMFlow(d, FlowAssistant, gen, check, build, orFallback(assistantFallback))
}

func newPharmacyFlow(d flowDeps, searcher PlacesSearcher) *flow.Flow[NearbyInput, nearbyQuery, []Pharmacy] {
	return &flow.Flow[NearbyInput, nearbyQuery, []Pharmacy]{
		Name:   FlowPharmacies,
		Policy: d.policy,
		Check:  conform[NearbyInput](nearbyInputSchema),
		Build: func(in NearbyInput) (nearbyQuery, error) {
			return nearbyQuery{lat: *in.Latitude, lng: *in.Longitude}, nil
		},
		Invoke: func(ctx context.Context, q nearbyQuery) (string, error) {
			if searcher == nil {
				return "", places.ErrMissingCredentials
			}
			body, err := searcher.Nearby(ctx, "pharmacy", q.lat, q.lng)
			return string(body), err
		},
		Parse:    parsePharmacies,
		Recorder: d.recorder,
		Logger:   d.logger,
	}
}

func parsePharmacies(raw string) ([]Pharmacy, error) {
	resp, err := schema.Decode[places.NearbyResponse](nearbySchema, []byte(raw))
	if err != nil {
		return nil, err
	}
	out := make([]Pharmacy, 0, len(resp.SuggestedLocations))
	for _, l := range resp.SuggestedLocations {
		lat, lng := l.Coords()
		out = append(out, Pharmacy{
			ID:       l.ELoc,
			Name:     l.PlaceName,
			Address:  l.PlaceAddress,
			Distance: l.Distance,
			Coords:   Coords{Lat: lat, Lng: lng},
		})
	}
	return out, nil
}

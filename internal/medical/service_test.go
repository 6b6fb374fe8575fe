package medical

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/medidash/internal/flow"
	"github.com/kalambet/medidash/internal/llm"
	"github.com/kalambet/medidash/internal/notify"
	"github.com/kalambet/medidash/internal/places"
	"github.com/kalambet/medidash/internal/records"
	"github.com/kalambet/medidash/internal/retry"
	"github.com/kalambet/medidash/internal/storage"
)

type reply struct {
	text string
	err  error
}

// fakeGen replays scripted replies in order, repeating the last one.
type fakeGen struct {
	mu      sync.Mutex
	replies []reply
	calls   []llm.Request
}

func gen(replies ...reply) *fakeGen { return &fakeGen{replies: replies} }

func (g *fakeGen) Generate(_ context.Context, req llm.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	r := g.replies[min(len(g.calls), len(g.replies))-1]
	return r.text, r.err
}

func (g *fakeGen) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGen) last() llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

type fakeProfiles struct {
	info, summary string
}

func (p fakeProfiles) PatientInfo(string) (string, error) { return p.info, nil }
func (p fakeProfiles) GetSummary(string) (string, error)  { return p.summary, nil }

type fakeOutbox struct {
	queued []notify.Payload
	err    error
}

func (o *fakeOutbox) Enqueue(_ context.Context, p notify.Payload) error {
	if o.err != nil {
		return o.err
	}
	o.queued = append(o.queued, p)
	return nil
}

type fakePlaces struct {
	body  string
	err   error
	calls int
}

func (f *fakePlaces) Nearby(_ context.Context, keyword string, lat, lng float64) ([]byte, error) {
	f.calls++
	return []byte(f.body), f.err
}

type harness struct {
	svc     *Service
	reports *fakeGen
	rx      *fakeGen
	chat    *fakeGen
	places  *fakePlaces
	outbox  *fakeOutbox
	delays  *[]time.Duration
}

type option func(*Config)

func newHarness(t *testing.T, h harness, opts ...option) harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if h.reports == nil {
		h.reports = gen(reply{text: `{}`})
	}
	if h.rx == nil {
		h.rx = gen(reply{text: `{}`})
	}
	if h.chat == nil {
		h.chat = gen(reply{text: "ok"})
	}
	if h.places == nil {
		h.places = &fakePlaces{body: `{"suggestedLocations":[]}`}
	}
	h.outbox = &fakeOutbox{}

	var delays []time.Duration
	h.delays = &delays
	policy := retry.DefaultPolicy()
	policy.Sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	cfg := Config{
		Clients:  Clients{Reports: h.reports, Prescriptions: h.rx, Chat: h.chat},
		Places:   h.places,
		Repo:     records.New(store),
		Profiles: fakeProfiles{info: "Patient Age: 44, Sex: female", summary: "Name: Asha."},
		Outbox:   h.outbox,
		Policy:   policy,
		Now:      func() time.Time { return time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC) },
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.svc, err = NewService(cfg)
	require.NoError(t, err)
	return h
}

const a1cExtraction = `{"extractedValues":[{"test":"Hemoglobin A1c","value":5.9,"unit":"%","status":"abnormal"}]}`

const decisionJSON = `{"suggestedFollowUps":[{"test":"Fasting glucose","reason":"Borderline A1c","priority":"medium"}],
"riskSummary":[{"condition":"Prediabetes","confidence":"moderate","note":"A1c above 5.7%"}],
"patientExplanation":"Your blood sugar is slightly high."}`

func TestExtract_ScenarioA_ConformingOutputReturned(t *testing.T) {
	h := newHarness(t, harness{reports: gen(reply{text: a1cExtraction})})

	out, err := h.svc.ExtractMedicalData(context.Background(), ExtractInput{ReportText: "Hemoglobin A1c 5.9%"})
	require.NoError(t, err)

	require.Len(t, out.ExtractedValues, 1)
	v := out.ExtractedValues[0]
	assert.Equal(t, "Hemoglobin A1c", v.Test)
	f, isNum := v.Value.Float()
	assert.True(t, isNum)
	assert.Equal(t, 5.9, f)
	assert.Equal(t, "%", v.Unit)
	assert.Equal(t, StatusAbnormal, v.Status)

	assert.Equal(t, 1, h.reports.count())
	req := h.reports.last()
	assert.Contains(t, req.Messages[0].Content, "Hemoglobin A1c 5.9%")
	assert.NotNil(t, req.Schema)
	assert.Empty(t, req.Media)
}

func TestExtract_InputRejectedWithoutCalls(t *testing.T) {
	tests := []struct {
		name string
		in   ExtractInput
	}{
		{"neither", ExtractInput{}},
		{"blank text", ExtractInput{ReportText: "   "}},
		{"both", ExtractInput{ReportText: "x", ReportDataURI: "data:text/plain;base64,eA=="}},
		{"not a data uri", ExtractInput{ReportDataURI: "https://example.com/report.pdf"}},
		{"undecodable data uri", ExtractInput{ReportDataURI: "data:image/png;base64,%%%"}},
		{"unsupported type", ExtractInput{ReportDataURI: "data:application/zip;base64,UEsDBAoAAAAAAA=="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harness{reports: gen(reply{text: a1cExtraction})})

			_, err := h.svc.ExtractMedicalData(context.Background(), tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, flow.ErrInput)
			assert.Equal(t, flow.KindInput, flow.KindOf(err))
			assert.Equal(t, 0, h.reports.count())
		})
	}
}

func TestExtract_ImageSentAsMedia(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	h := newHarness(t, harness{reports: gen(reply{text: a1cExtraction})})

	_, err := h.svc.ExtractMedicalData(context.Background(), ExtractInput{ReportDataURI: uri})
	require.NoError(t, err)

	req := h.reports.last()
	require.Len(t, req.Media, 1)
	assert.Equal(t, "image/png", req.Media[0].MIMEType)
	assert.Equal(t, png, req.Media[0].Data)
	assert.Contains(t, req.Messages[0].Content, "attached")
}

func TestExtract_PlainTextDataURIFoldedIntoPrompt(t *testing.T) {
	uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("LDL 130 mg/dL"))
	h := newHarness(t, harness{reports: gen(reply{text: a1cExtraction})})

	_, err := h.svc.ExtractMedicalData(context.Background(), ExtractInput{ReportDataURI: uri})
	require.NoError(t, err)

	req := h.reports.last()
	assert.Empty(t, req.Media)
	assert.Contains(t, req.Messages[0].Content, "LDL 130 mg/dL")
}

func TestExtract_ScenarioB_TransientThenSuccess(t *testing.T) {
	unavailable := errors.New("upstream returned 503")
	h := newHarness(t, harness{reports: gen(
		reply{err: unavailable},
		reply{err: unavailable},
		reply{text: a1cExtraction},
	)})

	out, err := h.svc.ExtractMedicalData(context.Background(), ExtractInput{ReportText: "Hemoglobin A1c 5.9%"})
	require.NoError(t, err)
	assert.Len(t, out.ExtractedValues, 1)
	assert.Equal(t, 3, h.reports.count())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *h.delays)
}

func TestExtract_TransientExhausted(t *testing.T) {
	h := newHarness(t, harness{reports: gen(reply{err: &llm.StatusError{Provider: "gemini", Code: 503, Body: "overloaded"}})})

	_, err := h.svc.ExtractMedicalData(context.Background(), ExtractInput{ReportText: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, flow.ErrUpstreamTransient)
	assert.Equal(t, 3, h.reports.count())

	var fe *flow.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FlowExtract, fe.Flow)
	assert.Equal(t, 3, fe.Attempts)
	assert.Contains(t, flow.UserMessage(err), "temporarily unavailable")
}

func TestExtract_ScenarioC_RejectedAfterOneAttempt(t *testing.T) {
	h := newHarness(t, harness{reports: gen(reply{err: errors.New("unauthorized: invalid API key")})})

	_, err := h.svc.ExtractMedicalData(context.Background(), ExtractInput{ReportText: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, flow.ErrUpstreamRejected)
	assert.Equal(t, 1, h.reports.count())
	assert.Empty(t, *h.delays)
}

func TestExtract_ScenarioD_OutputValidation(t *testing.T) {
	h := newHarness(t, harness{reports: gen(reply{text: `{"extractedValues":"not-an-array"}`})})

	_, err := h.svc.ExtractMedicalData(context.Background(), ExtractInput{ReportText: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, flow.ErrOutputValidation)
	assert.Contains(t, err.Error(), "extractedValues")
	assert.Equal(t, 1, h.reports.count())
}

func TestExtract_FencedJSONAccepted(t *testing.T) {
	h := newHarness(t, harness{reports: gen(reply{text: "```json\n" + a1cExtraction + "\n```"})})

	out, err := h.svc.ExtractMedicalData(context.Background(), ExtractInput{ReportText: "x"})
	require.NoError(t, err)
	assert.Len(t, out.ExtractedValues, 1)
}

func TestDecisionSupport_PromptCarriesValuesAndPatient(t *testing.T) {
	h := newHarness(t, harness{reports: gen(reply{text: decisionJSON})})

	low, high := 4.0, 5.6
	out, err := h.svc.ProvideDecisionSupport(context.Background(), DecisionInput{
		ExtractedValues: []ExtractedValue{{
			Test: "Hemoglobin A1c", Value: NumberValue(5.9), Unit: "%",
			ReferenceRange: &ReferenceRange{Low: &low, High: &high}, Status: StatusAbnormal,
		}},
		PatientInfo: "Patient Age: 44, Sex: female",
	})
	require.NoError(t, err)
	assert.Equal(t, "Prediabetes", out.RiskSummary[0].Condition)

	prompt := h.reports.last().Messages[0].Content
	assert.Contains(t, prompt, "Test: Hemoglobin A1c, Value: 5.9 %")
	assert.Contains(t, prompt, "Reference Range: 4 - 5.6")
	assert.Contains(t, prompt, "Patient Information: Patient Age: 44, Sex: female")
}

func TestDecisionSupport_MissingValuesRejected(t *testing.T) {
	h := newHarness(t, harness{})

	_, err := h.svc.ProvideDecisionSupport(context.Background(), DecisionInput{PatientInfo: "x"})
	assert.ErrorIs(t, err, flow.ErrInput)
	assert.Equal(t, 0, h.reports.count())
}

func TestAnalyzeReport_SavesCombinedReport(t *testing.T) {
	h := newHarness(t, harness{reports: gen(reply{text: a1cExtraction}, reply{text: decisionJSON})})
	ctx := context.Background()

	got, err := h.svc.AnalyzeReport(ctx, "user-1", AnalyzeReportInput{Name: "Quarterly labs", ReportText: "Hemoglobin A1c 5.9%", Save: true})
	require.NoError(t, err)
	require.NotEmpty(t, got.ID)
	assert.Equal(t, "Quarterly labs", got.Name)
	assert.Equal(t, "user-1", got.PatientID)
	assert.Equal(t, "Your blood sugar is slightly high.", got.PatientExplanation)
	assert.Equal(t, 2, h.reports.count())
	assert.Contains(t, h.reports.last().Messages[0].Content, "Patient Age: 44, Sex: female")

	stored, err := h.svc.Report(ctx, "user-1", got.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Report.ExtractedValues[0].Test, stored.ExtractedValues[0].Test)
	assert.Equal(t, 1, stored.AbnormalCount())

	list, err := h.svc.Reports(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, got.ID, list[0].ID)
}

func TestAnalyzeReport_NotSavedByDefault(t *testing.T) {
	h := newHarness(t, harness{reports: gen(reply{text: a1cExtraction}, reply{text: decisionJSON})})
	ctx := context.Background()

	got, err := h.svc.AnalyzeReport(ctx, "user-1", AnalyzeReportInput{ReportText: "x"})
	require.NoError(t, err)
	assert.Empty(t, got.ID)
	assert.Equal(t, "Report 2025-05-01", got.Name)

	list, err := h.svc.Reports(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAnalyzeReport_ExtractionFailureSkipsDecision(t *testing.T) {
	h := newHarness(t, harness{reports: gen(reply{text: `{"extractedValues":"nope"}`})})

	_, err := h.svc.AnalyzeReport(context.Background(), "user-1", AnalyzeReportInput{ReportText: "x", Save: true})
	assert.ErrorIs(t, err, flow.ErrOutputValidation)
	assert.Equal(t, 1, h.reports.count())
}

func TestReport_NotFound(t *testing.T) {
	h := newHarness(t, harness{})

	_, err := h.svc.Report(context.Background(), "user-1", "missing")
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestSubmitPrescription(t *testing.T) {
	rx := `{"medicines":[{"name":"Metformin","dosage":"500mg","frequency":"twice daily","route":"oral"}],"interactions":[]}`
	h := newHarness(t, harness{rx: gen(reply{text: rx})})
	ctx := context.Background()

	got, err := h.svc.SubmitPrescription(ctx, "user-1", SubmitPrescriptionInput{PrescriptionText: "Metformin 500mg BID", Save: true})
	require.NoError(t, err)
	require.Len(t, got.Medicines, 1)
	assert.Equal(t, "Metformin", got.Medicines[0].Name)
	assert.Empty(t, got.Interactions)
	assert.Contains(t, h.rx.last().Messages[0].Content, "Metformin 500mg BID")

	list, err := h.svc.Prescriptions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, got.ID, list[0].ID)
}

func TestAnalyzePrescription_BadSeverity(t *testing.T) {
	rx := `{"medicines":[],"interactions":[{"drugA":"a","drugB":"b","severity":"extreme","message":"m"}]}`
	h := newHarness(t, harness{rx: gen(reply{text: rx})})

	_, err := h.svc.AnalyzePrescription(context.Background(), PrescriptionInput{PrescriptionText: "x"})
	require.ErrorIs(t, err, flow.ErrOutputValidation)
	assert.Contains(t, err.Error(), "interactions[0].severity")
}

func TestCreateReminder_DefaultsAndOutbox(t *testing.T) {
	h := newHarness(t, harness{})
	ctx := context.Background()

	res, err := h.svc.CreateReminder(ctx, ReminderInput{PatientID: "user-1", PrescriptionID: "rx-1", MedicineName: "Metformin"})
	require.NoError(t, err)
	assert.Equal(t, ReminderCreatedMessage, res.Message)
	assert.Equal(t, "09:00", res.Reminder.Time)
	assert.Equal(t, "Daily", res.Reminder.Recurrence)
	assert.True(t, res.Reminder.Enabled)

	require.Len(t, h.outbox.queued, 1)
	assert.Equal(t, res.Reminder.ID, h.outbox.queued[0].ReminderID)
	assert.Equal(t, "user-1", h.outbox.queued[0].OwnerID)

	// No model was involved.
	assert.Equal(t, 0, h.reports.count()+h.rx.count()+h.chat.count())
}

func TestCreateReminder_InvalidInput(t *testing.T) {
	h := newHarness(t, harness{})

	_, err := h.svc.CreateReminder(context.Background(), ReminderInput{PatientID: "user-1"})
	assert.ErrorIs(t, err, flow.ErrInput)
	assert.Empty(t, h.outbox.queued)
}

func TestCreateReminder_OutboxFailureKeepsReminder(t *testing.T) {
	h := newHarness(t, harness{})
	h.outbox.err = errors.New("queue down")
	ctx := context.Background()

	_, err := h.svc.CreateReminder(ctx, ReminderInput{PatientID: "user-1", MedicineName: "Aspirin"})
	require.NoError(t, err)

	list, err := h.svc.Reminders(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSetReminderEnabled(t *testing.T) {
	h := newHarness(t, harness{})
	ctx := context.Background()

	res, err := h.svc.CreateReminder(ctx, ReminderInput{PatientID: "user-1", MedicineName: "Aspirin"})
	require.NoError(t, err)

	require.NoError(t, h.svc.SetReminderEnabled(ctx, "user-1", res.Reminder.ID, false))
	list, err := h.svc.Reminders(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)

	err = h.svc.SetReminderEnabled(ctx, "user-1", "missing", true)
	assert.ErrorIs(t, err, records.ErrNotFound)
}

const nearbyJSON = `{"suggestedLocations":[
{"eLoc":"ABC123","placeName":"City Pharmacy","placeAddress":"MG Road","distance":350,"lat":12.97,"lng":77.59},
{"eLoc":"XYZ789","placeName":"Care Chemist","placeAddress":"Brigade Road"}]}`

func TestFindNearbyPharmacies(t *testing.T) {
	h := newHarness(t, harness{places: &fakePlaces{body: nearbyJSON}})
	ctx := context.Background()

	got, err := h.svc.FindNearbyPharmacies(ctx, NearbyInput{Latitude: deg(12.9716), Longitude: deg(77.5946), UserID: "user-1", Save: true})
	require.NoError(t, err)
	require.Len(t, got.Pharmacies, 2)

	first := got.Pharmacies[0]
	assert.Equal(t, "ABC123", first.ID)
	assert.Equal(t, "City Pharmacy", first.Name)
	require.NotNil(t, first.Distance)
	assert.Equal(t, 350.0, *first.Distance)
	assert.Equal(t, Coords{Lat: 12.97, Lng: 77.59}, first.Coords)

	// Missing distance stays missing; nothing is simulated.
	assert.Nil(t, got.Pharmacies[1].Distance)

	saved, err := h.svc.NearbySearches(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, got.ID, saved[0].ID)
	assert.Equal(t, 12.9716, saved[0].Latitude)
}

func TestFindNearbyPharmacies_InvalidCoordinates(t *testing.T) {
	h := newHarness(t, harness{})

	_, err := h.svc.FindNearbyPharmacies(context.Background(), NearbyInput{Latitude: deg(120), Longitude: deg(0), UserID: "u"})
	assert.ErrorIs(t, err, flow.ErrInput)
	assert.Equal(t, 0, h.places.calls)
}

func deg(v float64) *float64 { return &v }

func TestFindNearbyPharmacies_MissingCoordinate(t *testing.T) {
	h := newHarness(t, harness{places: &fakePlaces{body: nearbyJSON}})

	_, err := h.svc.FindNearbyPharmacies(context.Background(), NearbyInput{Longitude: deg(77.59), UserID: "u"})
	require.ErrorIs(t, err, flow.ErrInput)
	assert.Contains(t, err.Error(), "latitude: is required")
	assert.Equal(t, 0, h.places.calls)

	// Zero is a real coordinate, not a missing one.
	_, err = h.svc.FindNearbyPharmacies(context.Background(), NearbyInput{Latitude: deg(0), Longitude: deg(0), UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.places.calls)
}

func TestFindNearbyPharmacies_MissingCredentials(t *testing.T) {
	h := newHarness(t, harness{places: &fakePlaces{err: places.ErrMissingCredentials}})

	_, err := h.svc.FindNearbyPharmacies(context.Background(), NearbyInput{Latitude: deg(1), Longitude: deg(1), UserID: "u"})
	assert.ErrorIs(t, err, flow.ErrUpstreamRejected)
	assert.ErrorIs(t, err, places.ErrMissingCredentials)
	assert.Equal(t, 1, h.places.calls)
}

func TestFindNearbyPharmacies_MalformedResponse(t *testing.T) {
	h := newHarness(t, harness{places: &fakePlaces{body: `{"suggestedLocations":[{"placeName":"No ID"}]}`}})

	_, err := h.svc.FindNearbyPharmacies(context.Background(), NearbyInput{Latitude: deg(1), Longitude: deg(1), UserID: "u"})
	require.ErrorIs(t, err, flow.ErrOutputValidation)
	assert.Contains(t, err.Error(), "suggestedLocations[0].eLoc")
}

func TestChat_UsesStoredContextAndAppendsReply(t *testing.T) {
	h := newHarness(t, harness{
		reports: gen(reply{text: a1cExtraction}, reply{text: decisionJSON}),
		chat:    gen(reply{text: "Your A1c is slightly above normal."}),
	})
	ctx := context.Background()

	_, err := h.svc.AnalyzeReport(ctx, "user-1", AnalyzeReportInput{Name: "Labs", ReportText: "x", Save: true})
	require.NoError(t, err)

	history := []Message{{Role: llm.RoleUser, Content: "How is my A1c?"}}
	got, err := h.svc.Chat(ctx, "user-1", history)
	require.NoError(t, err)

	assert.Equal(t, "Your A1c is slightly above normal.", got.Reply)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, llm.RoleModel, got.Messages[1].Role)
	assert.Len(t, history, 1, "caller's log must not change")

	system := h.chat.last().System
	assert.Contains(t, system, "[Patient Profile]")
	assert.Contains(t, system, "Hemoglobin A1c: 5.9 % (abnormal)")
	assert.Contains(t, system, "SUMMARY OF PRESCRIPTIONS:\n(none)")
}

func TestChat_EmptyMessagesRejected(t *testing.T) {
	h := newHarness(t, harness{})

	_, err := h.svc.Chat(context.Background(), "user-1", nil)
	assert.ErrorIs(t, err, flow.ErrInput)
	assert.Equal(t, 0, h.chat.count())
}

func TestChatWithAI_BlankReplyIsValidationError(t *testing.T) {
	h := newHarness(t, harness{chat: gen(reply{text: "  "})})

	_, err := h.svc.ChatWithAI(context.Background(), ChatInput{Messages: []Message{{Role: "user", Content: "hi"}}})
	assert.ErrorIs(t, err, flow.ErrOutputValidation)
}

func TestChatbot_FallbackOnBlankReply(t *testing.T) {
	h := newHarness(t, harness{chat: gen(reply{text: ""})})

	got, err := h.svc.Chatbot(context.Background(), ChatbotInput{Messages: []Message{{Role: "user", Content: "What is a fever?"}}})
	require.NoError(t, err)
	assert.Equal(t, chatbotFallback, got)
	assert.Contains(t, h.chat.last().System, "not a doctor")
}

func TestChatbot_RejectsUnknownRole(t *testing.T) {
	h := newHarness(t, harness{})

	_, err := h.svc.Chatbot(context.Background(), ChatbotInput{Messages: []Message{{Role: "system", Content: "x"}}})
	assert.ErrorIs(t, err, flow.ErrInput)
	assert.Equal(t, 0, h.chat.count())
}

func TestAssistant_IncludesReportSummaries(t *testing.T) {
	h := newHarness(t, harness{
		reports: gen(reply{text: a1cExtraction}, reply{text: decisionJSON}),
		chat:    gen(reply{text: "You have one report that needs attention. " + Disclaimer}),
	})
	ctx := context.Background()

	_, err := h.svc.AnalyzeReport(ctx, "user-1", AnalyzeReportInput{Name: "Labs", ReportText: "x", Save: true})
	require.NoError(t, err)

	got, err := h.svc.Assistant(ctx, AssistantInput{UserID: "user-1", Messages: []Message{{Role: "user", Content: "Any issues?"}}})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, Disclaimer))

	system := h.chat.last().System
	assert.Contains(t, system, "MediBot")
	assert.Contains(t, system, `"name":"Labs","status":"Action Required","abnormalResults":1`)
}

func TestAssistant_FallbackAndMissingUser(t *testing.T) {
	h := newHarness(t, harness{chat: gen(reply{text: ""})})
	ctx := context.Background()

	got, err := h.svc.Assistant(ctx, AssistantInput{UserID: "user-1", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, assistantFallback, got)

	_, err = h.svc.Assistant(ctx, AssistantInput{Messages: []Message{{Role: "user", Content: "hi"}}})
	assert.ErrorIs(t, err, flow.ErrInput)
}

// brokenBackend fails every read and counts the attempts.
type brokenBackend struct{ scans int }

func (b *brokenBackend) PutRecord(context.Context, storage.Record) error { return errors.New("down") }
func (b *brokenBackend) GetRecord(context.Context, string, string, string) (storage.Record, error) {
	return storage.Record{}, errors.New("down")
}
func (b *brokenBackend) ScanRecords(context.Context, string, string) ([]storage.Record, error) {
	b.scans++
	return nil, errors.New("down")
}
func (b *brokenBackend) SetRecordEnabled(context.Context, string, string, string, bool) error {
	return errors.New("down")
}

func TestAssistant_ChecksInputBeforeReadingReports(t *testing.T) {
	backend := &brokenBackend{}
	h := newHarness(t, harness{}, func(c *Config) { c.Repo = records.New(backend) })

	_, err := h.svc.Assistant(context.Background(), AssistantInput{UserID: "user-1"})
	require.ErrorIs(t, err, flow.ErrInput)
	assert.Contains(t, err.Error(), "messages")
	assert.Zero(t, backend.scans)
	assert.Empty(t, h.chat.calls)
}

func TestDashboard(t *testing.T) {
	h := newHarness(t, harness{reports: gen(reply{text: a1cExtraction}, reply{text: decisionJSON})})
	ctx := context.Background()

	_, err := h.svc.AnalyzeReport(ctx, "user-1", AnalyzeReportInput{Name: "Labs", ReportText: "x", Save: true})
	require.NoError(t, err)
	r1, err := h.svc.CreateReminder(ctx, ReminderInput{PatientID: "user-1", MedicineName: "A"})
	require.NoError(t, err)
	_, err = h.svc.CreateReminder(ctx, ReminderInput{PatientID: "user-1", MedicineName: "B"})
	require.NoError(t, err)
	require.NoError(t, h.svc.SetReminderEnabled(ctx, "user-1", r1.Reminder.ID, false))

	d, err := h.svc.Dashboard(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, d.Reports, 1)
	assert.Equal(t, 1, d.ActionRequired)
	assert.Equal(t, 0, d.Prescriptions)
	assert.Equal(t, 1, d.ActiveReminders)
}

func TestNewService_RequiresClientsAndRepo(t *testing.T) {
	_, err := NewService(Config{})
	assert.Error(t, err)

	g := gen(reply{text: "x"})
	_, err = NewService(Config{Clients: Clients{Reports: g, Prescriptions: g, Chat: g}})
	assert.Error(t, err)
}

func TestDeclaredMIME(t *testing.T) {
	assert.Equal(t, "application/pdf", declaredMIME("data:application/pdf;base64,AAAA"))
	assert.Equal(t, "", declaredMIME(""))
	assert.Equal(t, "text/plain", declaredMIME("data:Text/Plain;charset=utf-8,hi"))
}

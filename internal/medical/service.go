package medical

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/medidash/internal/composer"
	"github.com/kalambet/medidash/internal/flow"
	"github.com/kalambet/medidash/internal/llm"
	"github.com/kalambet/medidash/internal/notify"
	"github.com/kalambet/medidash/internal/records"
	"github.com/kalambet/medidash/internal/retry"
	"github.com/kalambet/medidash/internal/telemetry"
)

// Clients holds the credentialed model handles, one per feature.
type Clients struct {
	Reports       llm.Generator
	Prescriptions llm.Generator
	Chat          llm.Generator
}

// ProfileSource supplies per-owner patient details. Implemented by
// profile.Manager.
type ProfileSource interface {
	PatientInfo(owner string) (string, error)
	GetSummary(owner string) (string, error)
}

// Outbox queues reminder notifications. Implemented by notify.Outbox.
type Outbox interface {
	Enqueue(ctx context.Context, p notify.Payload) error
}

// Config wires a Service. Clients and Repo are required.
type Config struct {
	Clients  Clients
	Places   PlacesSearcher
	Repo     *records.Repository
	Profiles ProfileSource
	Outbox   Outbox

	// Policy applies to every upstream call. Zero means retry.DefaultPolicy.
	Policy   retry.Policy
	Recorder telemetry.Recorder
	Logger   *slog.Logger

	// ContextTokens bounds the stored data injected into Chat.
	ContextTokens int

	Now func() time.Time
}

// Service runs the medical flows and persists their results.
type Service struct {
	extract      *flow.Flow[ExtractInput, llm.Request, Extraction]
	decision     *flow.Flow[DecisionInput, llm.Request, DecisionSupport]
	prescription *flow.Flow[PrescriptionInput, llm.Request, PrescriptionAnalysis]
	chat         *flow.Flow[ChatInput, llm.Request, string]
	chatbot      *flow.Flow[ChatbotInput, llm.Request, string]
	assistant    *flow.Flow[assistantCall, llm.Request, string]
	pharmacies   *flow.Flow[NearbyInput, nearbyQuery, []Pharmacy]

	repo     *records.Repository
	profiles ProfileSource
	outbox   Outbox
	composer *composer.Composer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds every flow from cfg.
func NewService(cfg Config) (*Service, error) {
	if cfg.Clients.Reports == nil || cfg.Clients.Prescriptions == nil || cfg.Clients.Chat == nil {
		return nil, errors.New("medical: all model clients are required")
	}
	if cfg.Repo == nil {
		return nil, errors.New("medical: repository is required")
	}

	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = telemetry.Noop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	d := flowDeps{policy: policy, recorder: recorder, logger: logger}
	return &Service{
		extract:      newExtractFlow(d, cfg.Clients.Reports),
		decision:     newDecisionFlow(d, cfg.Clients.Reports),
		prescription: newPrescriptionFlow(d, cfg.Clients.Prescriptions),
		chat:         newChatFlow(d, cfg.Clients.Chat),
		chatbot:      newChatbotFlow(d, cfg.Clients.Chat),
		assistant:    newAssistantFlow(d, cfg.Clients.Chat),
		pharmacies:   newPharmacyFlow(d, cfg.Places),
		repo:         cfg.Repo,
		profiles:     cfg.Profiles,
		outbox:       cfg.Outbox,
		composer:     composer.New(cfg.ContextTokens),
		logger:       logger,
		now:          now,
	}, nil
}

// --- single flows ---

func (s *Service) ExtractMedicalData(ctx context.Context, in ExtractInput) (Extraction, error) {
	return s.extract.Run(ctx, in)
}

func (s *Service) ProvideDecisionSupport(ctx context.Context, in DecisionInput) (DecisionSupport, error) {
	return s.decision.Run(ctx, in)
}

func (s *Service) AnalyzePrescription(ctx context.Context, in PrescriptionInput) (PrescriptionAnalysis, error) {
	return s.prescription.Run(ctx, in)
}

func (s *Service) ChatWithAI(ctx context.Context, in ChatInput) (string, error) {
	return s.chat.Run(ctx, in)
}

// Chatbot answers general medical questions without any stored data.
func (s *Service) Chatbot(ctx context.Context, in ChatbotInput) (string, error) {
	return s.chatbot.Run(ctx, in)
}

// Assistant answers as MediBot with the owner's report summaries in context.
// The input is checked before any report is read.
func (s *Service) Assistant(ctx context.Context, in AssistantInput) (string, error) {
	if err := conform[AssistantInput](assistantInputSchema)(in); err != nil {
		return "", flow.Wrap(FlowAssistant, flow.KindInput, err)
	}
	reports, err := s.Reports(ctx, in.UserID)
	if err != nil {
		return "", fmt.Errorf("loading reports for assistant: %w", err)
	}
	summaries := make([]ReportSummary, 0, len(reports))
	for _, r := range reports {
		summaries = append(summaries, Summarize(r.Report))
	}
	return s.assistant.Run(ctx, assistantCall{AssistantInput: in, Reports: summaries})
}

// --- composed operations ---

// AnalyzeReportInput is an uploaded report.
type AnalyzeReportInput struct {
	Name          string `json:"name"`
	ReportText    string `json:"reportText,omitempty"`
	ReportDataURI string `json:"reportDataUri,omitempty"`
	Save          bool   `json:"save"`
}

// StoredReport is a report with its record ID (empty when not saved).
type StoredReport struct {
	ID string `json:"id,omitempty"`
	Report
}

// AnalyzeReport extracts values, runs decision support with the owner's
// patient info and optionally saves the combined report.
func (s *Service) AnalyzeReport(ctx context.Context, owner string, in AnalyzeReportInput) (StoredReport, error) {
	extraction, err := s.extract.Run(ctx, ExtractInput{ReportText: in.ReportText, ReportDataURI: in.ReportDataURI})
	if err != nil {
		return StoredReport{}, err
	}

	info, err := s.patientInfo(owner)
	if err != nil {
		return StoredReport{}, err
	}

	support, err := s.decision.Run(ctx, DecisionInput{ExtractedValues: extraction.ExtractedValues, PatientInfo: info})
	if err != nil {
		return StoredReport{}, err
	}

	uploaded := s.now().UTC()
	report := Report{
		Name:               nameOr(in.Name, "Report", uploaded),
		PatientID:          owner,
		UploadedAt:         uploaded,
		SourceMIMEType:     declaredMIME(in.ReportDataURI),
		ExtractedValues:    extraction.ExtractedValues,
		SuggestedFollowUps: support.SuggestedFollowUps,
		RiskSummary:        support.RiskSummary,
		PatientExplanation: support.PatientExplanation,
	}
	if !in.Save {
		return StoredReport{Report: report}, nil
	}
	id, err := s.repo.Save(ctx, records.Reports, owner, report)
	if err != nil {
		return StoredReport{}, fmt.Errorf("saving report: %w", err)
	}
	s.logger.Info("report saved", "owner", owner, "id", id, "values", len(report.ExtractedValues), "abnormal", report.AbnormalCount())
	return StoredReport{ID: id, Report: report}, nil
}

// SubmitPrescriptionInput is an uploaded prescription.
type SubmitPrescriptionInput struct {
	Name                string `json:"name"`
	PrescriptionText    string `json:"prescriptionText,omitempty"`
	PrescriptionDataURI string `json:"prescriptionDataUri,omitempty"`
	Save                bool   `json:"save"`
}

type StoredPrescription struct {
	ID string `json:"id,omitempty"`
	Prescription
}

// SubmitPrescription analyzes a prescription and optionally saves it.
func (s *Service) SubmitPrescription(ctx context.Context, owner string, in SubmitPrescriptionInput) (StoredPrescription, error) {
	analysis, err := s.prescription.Run(ctx, PrescriptionInput{
		PrescriptionText:    in.PrescriptionText,
		PrescriptionDataURI: in.PrescriptionDataURI,
	})
	if err != nil {
		return StoredPrescription{}, err
	}

	uploaded := s.now().UTC()
	p := Prescription{
		Name:           nameOr(in.Name, "Prescription", uploaded),
		PatientID:      owner,
		UploadedAt:     uploaded,
		SourceMIMEType: declaredMIME(in.PrescriptionDataURI),
		Medicines:      analysis.Medicines,
		Interactions:   analysis.Interactions,
	}
	if !in.Save {
		return StoredPrescription{Prescription: p}, nil
	}
	id, err := s.repo.Save(ctx, records.Prescriptions, owner, p)
	if err != nil {
		return StoredPrescription{}, fmt.Errorf("saving prescription: %w", err)
	}
	return StoredPrescription{ID: id, Prescription: p}, nil
}

// StoredNearby is a pharmacy search with its record ID when saved.
type StoredNearby struct {
	ID string `json:"id,omitempty"`
	NearbyResult
}

// FindNearbyPharmacies searches around the given point and optionally
// saves the result under the user.
func (s *Service) FindNearbyPharmacies(ctx context.Context, in NearbyInput) (StoredNearby, error) {
	found, err := s.pharmacies.Run(ctx, in)
	if err != nil {
		return StoredNearby{}, err
	}
	res := NearbyResult{Latitude: *in.Latitude, Longitude: *in.Longitude, Pharmacies: found}
	if !in.Save {
		return StoredNearby{NearbyResult: res}, nil
	}
	id, err := s.repo.Save(ctx, records.NearbyResults, in.UserID, res)
	if err != nil {
		return StoredNearby{}, fmt.Errorf("saving pharmacy search: %w", err)
	}
	return StoredNearby{ID: id, NearbyResult: res}, nil
}

// ReminderCreatedMessage is returned with every new reminder.
const ReminderCreatedMessage = "Reminder created successfully."

type StoredReminder struct {
	ID string `json:"id"`
	Reminder
}

// ReminderResult is the outcome of CreateReminder.
type ReminderResult struct {
	Reminder StoredReminder `json:"reminder"`
	Message  string         `json:"message"`
}

// CreateReminder stores an enabled reminder with the default schedule and
// queues its notification. It makes no upstream call.
func (s *Service) CreateReminder(ctx context.Context, in ReminderInput) (ReminderResult, error) {
	if err := conform[ReminderInput](reminderInputSchema)(in); err != nil {
		return ReminderResult{}, flow.Wrap("create_reminder", flow.KindInput, err)
	}

	rem := Reminder{
		PatientID:      in.PatientID,
		PrescriptionID: in.PrescriptionID,
		MedicineName:   in.MedicineName,
		Time:           DefaultReminderTime,
		Recurrence:     DefaultReminderRecurrence,
		Enabled:        true,
	}
	id, err := s.repo.Save(ctx, records.Reminders, in.PatientID, rem, records.WithEnabled(true))
	if err != nil {
		return ReminderResult{}, fmt.Errorf("saving reminder: %w", err)
	}

	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, notify.Payload{
			OwnerID:      in.PatientID,
			ReminderID:   id,
			MedicineName: rem.MedicineName,
			Time:         rem.Time,
			Recurrence:   rem.Recurrence,
		})
		if err != nil {
			// The reminder is stored; only the notification is lost.
			s.logger.Warn("queueing reminder notification failed", "owner", in.PatientID, "id", id, "error", err)
		}
	}
	return ReminderResult{Reminder: StoredReminder{ID: id, Reminder: rem}, Message: ReminderCreatedMessage}, nil
}

// SetReminderEnabled toggles a reminder.
func (s *Service) SetReminderEnabled(ctx context.Context, owner, id string, enabled bool) error {
	return s.repo.SetEnabled(ctx, owner, id, enabled)
}

// ChatReply is the model's answer plus the extended message log.
type ChatReply struct {
	Reply    string    `json:"reply"`
	Messages []Message `json:"messages"`
}

// Chat answers the last user message using the owner's stored reports,
// prescriptions and profile as context. The returned log is a new slice
// with the reply appended.
func (s *Service) Chat(ctx context.Context, owner string, messages []Message) (ChatReply, error) {
	var (
		reports       []StoredReport
		prescriptions []StoredPrescription
		summary       string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		reports, err = s.Reports(gctx, owner)
		return err
	})
	g.Go(func() error {
		var err error
		prescriptions, err = s.Prescriptions(gctx, owner)
		return err
	})
	if err := g.Wait(); err != nil {
		return ChatReply{}, fmt.Errorf("loading chat context: %w", err)
	}
	if s.profiles != nil {
		var err error
		if summary, err = s.profiles.GetSummary(owner); err != nil {
			s.logger.Warn("loading profile summary failed", "owner", owner, "error", err)
		}
	}

	composed := s.composer.Compose(summary, reportEntries(reports), prescriptionEntries(prescriptions))
	reply, err := s.chat.Run(ctx, ChatInput{
		Messages:         messages,
		ReportData:       composed.ReportData,
		PrescriptionData: composed.PrescriptionData,
	})
	if err != nil {
		return ChatReply{}, err
	}
	return ChatReply{
		Reply:    reply,
		Messages: appendMessage(messages, Message{Role: llm.RoleModel, Content: reply}),
	}, nil
}

// --- reads ---

func (s *Service) Reports(ctx context.Context, owner string) ([]StoredReport, error) {
	return list(ctx, s.repo, records.Reports, owner, func(id string, r Report) StoredReport {
		return StoredReport{ID: id, Report: r}
	})
}

func (s *Service) Report(ctx context.Context, owner, id string) (StoredReport, error) {
	return get(ctx, s.repo, records.Reports, owner, id, func(id string, r Report) StoredReport {
		return StoredReport{ID: id, Report: r}
	})
}

func (s *Service) Prescriptions(ctx context.Context, owner string) ([]StoredPrescription, error) {
	return list(ctx, s.repo, records.Prescriptions, owner, func(id string, p Prescription) StoredPrescription {
		return StoredPrescription{ID: id, Prescription: p}
	})
}

func (s *Service) Prescription(ctx context.Context, owner, id string) (StoredPrescription, error) {
	return get(ctx, s.repo, records.Prescriptions, owner, id, func(id string, p Prescription) StoredPrescription {
		return StoredPrescription{ID: id, Prescription: p}
	})
}

// Reminders lists reminders; Enabled reflects the record flag, which is the
// only mutable field.
func (s *Service) Reminders(ctx context.Context, owner string) ([]StoredReminder, error) {
	recs, err := s.repo.List(ctx, records.Reminders, owner)
	if err != nil {
		return nil, err
	}
	out := make([]StoredReminder, 0, len(recs))
	for _, rec := range recs {
		rem, err := records.Decode[Reminder](rec)
		if err != nil {
			return nil, flow.Wrap("", flow.KindPersistence, err)
		}
		rem.Enabled = rec.Enabled
		out = append(out, StoredReminder{ID: rec.ID, Reminder: rem})
	}
	return out, nil
}

func (s *Service) NearbySearches(ctx context.Context, owner string) ([]StoredNearby, error) {
	return list(ctx, s.repo, records.NearbyResults, owner, func(id string, n NearbyResult) StoredNearby {
		return StoredNearby{ID: id, NearbyResult: n}
	})
}

// Dashboard is the overview of everything stored for an owner.
type Dashboard struct {
	Reports         []ReportSummary `json:"reports"`
	Prescriptions   int             `json:"prescriptions"`
	ActiveReminders int             `json:"activeReminders"`
	ActionRequired  int             `json:"actionRequired"`
}

// Dashboard loads the owner's collections concurrently.
func (s *Service) Dashboard(ctx context.Context, owner string) (Dashboard, error) {
	var (
		reports       []StoredReport
		prescriptions []StoredPrescription
		reminders     []StoredReminder
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	g.Go(func() (err error) { reports, err = s.Reports(gctx, owner); return })
	g.Go(func() (err error) { prescriptions, err = s.Prescriptions(gctx, owner); return })
	g.Go(func() (err error) { reminders, err = s.Reminders(gctx, owner); return })
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}

	d := Dashboard{Reports: make([]ReportSummary, 0, len(reports)), Prescriptions: len(prescriptions)}
	for _, r := range reports {
		sum := Summarize(r.Report)
		if sum.Status == ReportActionRequired {
			d.ActionRequired++
		}
		d.Reports = append(d.Reports, sum)
	}
	for _, r := range reminders {
		if r.Enabled {
			d.ActiveReminders++
		}
	}
	return d, nil
}

func list[T, S any](ctx context.Context, repo *records.Repository, c records.Collection, owner string, wrap func(string, T) S) ([]S, error) {
	recs, err := repo.List(ctx, c, owner)
	if err != nil {
		return nil, err
	}
	out := make([]S, 0, len(recs))
	for _, rec := range recs {
		v, err := records.Decode[T](rec)
		if err != nil {
			return nil, flow.Wrap("", flow.KindPersistence, err)
		}
		out = append(out, wrap(rec.ID, v))
	}
	return out, nil
}

func get[T, S any](ctx context.Context, repo *records.Repository, c records.Collection, owner, id string, wrap func(string, T) S) (S, error) {
	var zero S
	rec, err := repo.Get(ctx, c, owner, id)
	if err != nil {
		return zero, err
	}
	v, err := records.Decode[T](rec)
	if err != nil {
		return zero, flow.Wrap("", flow.KindPersistence, err)
	}
	return wrap(rec.ID, v), nil
}

// --- helpers ---

func (s *Service) patientInfo(owner string) (string, error) {
	if s.profiles == nil {
		return "Patient Age: N/A, Sex: N/A", nil
	}
	info, err := s.profiles.PatientInfo(owner)
	if err != nil {
		return "", flow.Wrap("patient_info", flow.KindPersistence, fmt.Errorf("loading profile: %w", err))
	}
	return info, nil
}

func nameOr(name, kind string, at time.Time) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return fmt.Sprintf("%s %s", kind, at.Format("2006-01-02"))
}

// declaredMIME returns the media type named in a data URI header.
func declaredMIME(dataURI string) string {
	rest, ok := strings.CutPrefix(strings.TrimSpace(dataURI), "data:")
	if !ok {
		return ""
	}
	meta, _, _ := strings.Cut(rest, ",")
	mt, _, _ := strings.Cut(meta, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

func reportEntries(reports []StoredReport) []composer.Entry {
	out := make([]composer.Entry, 0, len(reports))
	for _, r := range reports {
		lines := make([]string, 0, len(r.ExtractedValues)+1)
		for _, v := range r.ExtractedValues {
			line := fmt.Sprintf("%s: %s", v.Test, v.Value)
			if v.Unit != "" {
				line += " " + v.Unit
			}
			if v.Status != "" {
				line += " (" + v.Status + ")"
			}
			lines = append(lines, line)
		}
		if r.PatientExplanation != "" {
			lines = append(lines, "Summary: "+r.PatientExplanation)
		}
		out = append(out, composer.Entry{Title: r.Name, Date: r.UploadedAt, Lines: lines})
	}
	return out
}

func prescriptionEntries(ps []StoredPrescription) []composer.Entry {
	out := make([]composer.Entry, 0, len(ps))
	for _, p := range ps {
		lines := make([]string, 0, len(p.Medicines)+len(p.Interactions))
		for _, m := range p.Medicines {
			lines = append(lines, fmt.Sprintf("%s %s, %s, %s", m.Name, m.Dosage, m.Frequency, m.Route))
		}
		for _, i := range p.Interactions {
			lines = append(lines, fmt.Sprintf("Interaction %s + %s (%s): %s", i.DrugA, i.DrugB, i.Severity, i.Message))
		}
		out = append(out, composer.Entry{Title: p.Name, Date: p.UploadedAt, Lines: lines})
	}
	return out
}

// Package api serves the dashboard's HTTP API and MCP tools.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/medidash/internal/medical"
	"github.com/kalambet/medidash/internal/profile"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxUploadBodySize  = 21 << 20
)

// HealthChecker reports whether the record store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// JobCounter reports outbox job counts by status.
type JobCounter interface {
	JobCounts() (map[string]int, error)
}

// MetricsSource snapshots flow metrics.
type MetricsSource interface {
	Snapshot(ctx context.Context) (map[string]float64, error)
}

type AppDeps struct {
	Service  *medical.Service
	Profiles *profile.Manager
	Token    string

	// Optional; reported by /health when set.
	Store HealthChecker
	Jobs  JobCounter

	// Optional; serves /v1/metrics when set.
	Metrics MetricsSource
}

// NewAppHandler returns the HTTP API. /health is public; everything under
// /v1 requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chatbot", handleChatbot(deps))
		if deps.Metrics != nil {
			r.Get("/metrics", handleMetrics(deps))
		}

		r.Route("/users/{owner}", func(r chi.Router) {
			r.Post("/reports", handleAnalyzeReport(deps))
			r.Get("/reports", handleListReports(deps))
			r.Get("/reports/{id}", handleGetReport(deps))

			r.Post("/prescriptions", handleSubmitPrescription(deps))
			r.Get("/prescriptions", handleListPrescriptions(deps))
			r.Get("/prescriptions/{id}", handleGetPrescription(deps))

			r.Post("/reminders", handleCreateReminder(deps))
			r.Get("/reminders", handleListReminders(deps))
			r.Patch("/reminders/{id}", handleToggleReminder(deps))

			r.Post("/pharmacies/nearby", handleFindPharmacies(deps))
			r.Get("/pharmacies/nearby", handleListNearby(deps))

			r.Post("/chat", handleChat(deps))
			r.Post("/assistant", handleAssistant(deps))

			r.Get("/profile", handleGetProfile(deps))
			r.Patch("/profile", handlePatchProfile(deps))

			r.Get("/dashboard", handleDashboard(deps))
		})
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		if deps.Store != nil {
			if err := deps.Store.Ping(r.Context()); err != nil {
				httpError(w, http.StatusServiceUnavailable, errUnavailable, "store unreachable: %v", err)
				return
			}
		}
		if deps.Jobs != nil {
			if counts, err := deps.Jobs.JobCounts(); err == nil {
				resp["jobs"] = counts
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleMetrics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Metrics.Snapshot(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// decode reads a JSON body of at most limit bytes into v, writing a 400 on
// failure.
func decode(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, errInvalidInput, "invalid request body: %v", err)
		return false
	}
	return true
}

func createdIf(saved bool) int {
	if saved {
		return http.StatusCreated
	}
	return http.StatusOK
}

// --- reports ---

func handleAnalyzeReport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req medical.AnalyzeReportInput
		if !decode(w, r, maxUploadBodySize, &req) {
			return
		}
		report, err := deps.Service.AnalyzeReport(r.Context(), chi.URLParam(r, "owner"), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, createdIf(report.ID != ""), report)
	}
}

func handleListReports(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reports, err := deps.Service.Reports(r.Context(), chi.URLParam(r, "owner"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reports)
	}
}

func handleGetReport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Service.Report(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// --- prescriptions ---

func handleSubmitPrescription(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req medical.SubmitPrescriptionInput
		if !decode(w, r, maxUploadBodySize, &req) {
			return
		}
		p, err := deps.Service.SubmitPrescription(r.Context(), chi.URLParam(r, "owner"), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, createdIf(p.ID != ""), p)
	}
}

func handleListPrescriptions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ps, err := deps.Service.Prescriptions(r.Context(), chi.URLParam(r, "owner"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ps)
	}
}

func handleGetPrescription(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Service.Prescription(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// --- reminders ---

type createReminderRequest struct {
	PrescriptionID string `json:"prescriptionId"`
	MedicineName   string `json:"medicineName"`
}

func handleCreateReminder(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createReminderRequest
		if !decode(w, r, maxRequestBodySize, &req) {
			return
		}
		res, err := deps.Service.CreateReminder(r.Context(), medical.ReminderInput{
			PatientID:      chi.URLParam(r, "owner"),
			PrescriptionID: req.PrescriptionID,
			MedicineName:   req.MedicineName,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

func handleListReminders(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rems, err := deps.Service.Reminders(r.Context(), chi.URLParam(r, "owner"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rems)
	}
}

func handleToggleReminder(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if !decode(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Enabled == nil {
			httpError(w, http.StatusBadRequest, errInvalidInput, "enabled is required")
			return
		}
		id := chi.URLParam(r, "id")
		if err := deps.Service.SetReminderEnabled(r.Context(), chi.URLParam(r, "owner"), id, *req.Enabled); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": *req.Enabled})
	}
}

// --- pharmacies ---

type nearbyRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Save      bool     `json:"save"`
}

func handleFindPharmacies(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req nearbyRequest
		if !decode(w, r, maxRequestBodySize, &req) {
			return
		}
		res, err := deps.Service.FindNearbyPharmacies(r.Context(), medical.NearbyInput{
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
			UserID:    chi.URLParam(r, "owner"),
			Save:      req.Save,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, createdIf(res.ID != ""), res)
	}
}

func handleListNearby(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Service.NearbySearches(r.Context(), chi.URLParam(r, "owner"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// --- conversation ---

type messagesRequest struct {
	Messages []medical.Message `json:"messages"`
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messagesRequest
		if !decode(w, r, maxRequestBodySize, &req) {
			return
		}
		reply, err := deps.Service.Chat(r.Context(), chi.URLParam(r, "owner"), req.Messages)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

func handleChatbot(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messagesRequest
		if !decode(w, r, maxRequestBodySize, &req) {
			return
		}
		reply, err := deps.Service.Chatbot(r.Context(), medical.ChatbotInput{Messages: req.Messages})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
	}
}

func handleAssistant(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messagesRequest
		if !decode(w, r, maxRequestBodySize, &req) {
			return
		}
		reply, err := deps.Service.Assistant(r.Context(), medical.AssistantInput{
			UserID:   chi.URLParam(r, "owner"),
			Messages: req.Messages,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
	}
}

// --- profile & dashboard ---

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Profiles.GetProfile(chi.URLParam(r, "owner"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, errPersistence, "failed to get profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handlePatchProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]any
		if !decode(w, r, maxRequestBodySize, &fields) {
			return
		}
		for key, value := range fields {
			if list, ok := value.([]any); ok {
				fields[key] = toStrings(list)
			}
		}
		if err := deps.Profiles.SetFields(chi.URLParam(r, "owner"), fields); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

// toStrings converts a decoded JSON array to []string, dropping non-strings.
func toStrings(list []any) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func handleDashboard(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Service.Dashboard(r.Context(), chi.URLParam(r, "owner"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

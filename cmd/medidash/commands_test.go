package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/medidash/internal/config"
	"github.com/kalambet/medidash/internal/medical"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		owner:      "u1",
		httpClient: ts.server.Client(),
	}
}

// captureStdout redirects command output into a buffer for the test.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old, oldColor := stdout, noColor
	stdout, noColor = &buf, true
	t.Cleanup(func() { stdout, noColor = old, oldColor })
	return &buf
}

var ctx = context.Background()

func TestUserPath(t *testing.T) {
	c := &apiClient{owner: "a b/c"}
	if got, want := c.userPath("/reports"), "/v1/users/a%20b%2Fc/reports"; got != want {
		t.Errorf("userPath = %q, want %q", got, want)
	}
}

func TestAnalyzeReport(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/users/u1/reports": `{"id":"rep-1","name":"Labs","extractedValues":[{"test":"Hemoglobin A1c","value":5.9,"unit":"%","status":"abnormal"}],"patientExplanation":"Slightly high."}`,
	})

	report, err := analyzeReport(ctx, ts.client(), medical.AnalyzeReportInput{
		Name:       "Labs",
		ReportText: "Hemoglobin A1c 5.9%",
		Save:       true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.ID != "rep-1" {
		t.Errorf("id = %q, want rep-1", report.ID)
	}
	if report.AbnormalCount() != 1 {
		t.Errorf("abnormal = %d, want 1", report.AbnormalCount())
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["reportText"] != "Hemoglobin A1c 5.9%" {
		t.Errorf("body.reportText = %v", body["reportText"])
	}
	if body["save"] != true {
		t.Errorf("body.save = %v, want true", body["save"])
	}
	if _, ok := body["reportDataUri"]; ok {
		t.Error("reportDataUri should be omitted when empty")
	}
}

func TestPrintReport(t *testing.T) {
	out := captureStdout(t)

	printReport(medical.StoredReport{Report: medical.Report{
		Name: "Labs",
		ExtractedValues: []medical.ExtractedValue{
			{Test: "Glucose", Value: medical.NumberValue(92), Unit: "mg/dL", Status: medical.StatusNormal},
			{Test: "LDL", Value: medical.NumberValue(171), Unit: "mg/dL", Status: medical.StatusAbnormal},
		},
		PatientExplanation: "Your LDL is high.",
	}})

	s := out.String()
	for _, want := range []string{"Labs", medical.ReportActionRequired, "LDL", "(abnormal)", "Your LDL is high."} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
	if strings.Count(s, "(abnormal)") != 1 {
		t.Errorf("expected exactly one abnormal marker:\n%s", s)
	}
}

func TestReadUpload(t *testing.T) {
	dir := t.TempDir()

	txt := filepath.Join(dir, "labs.txt")
	if err := os.WriteFile(txt, []byte("Hemoglobin 13.5 g/dL\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	text, uri, err := readUpload(txt)
	if err != nil {
		t.Fatalf("text upload: %v", err)
	}
	if uri != "" || !strings.Contains(text, "Hemoglobin") {
		t.Errorf("text upload = (%q, %q), want plain text", text, uri)
	}

	pdfPath := filepath.Join(dir, "scan.pdf")
	if err := os.WriteFile(pdfPath, []byte("%PDF-1.4\n%fake\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	text, uri, err = readUpload(pdfPath)
	if err != nil {
		t.Fatalf("pdf upload: %v", err)
	}
	if text != "" || !strings.HasPrefix(uri, "data:application/pdf;base64,") {
		t.Errorf("pdf upload = (%q, %q), want data URI", text, uri)
	}

	if _, _, err := readUpload(filepath.Join(dir, "missing.pdf")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestReportAnalyze_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"report", "analyze"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing input")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestPharmacyFind_MissingCoords(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"pharmacy", "find", "--lat", "28.6"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error without --lng")
	}
	if !strings.Contains(err.Error(), "--lng") {
		t.Errorf("error = %q, want it to mention --lng", err.Error())
	}
}

func TestSetReminderEnabled(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /v1/users/u1/reminders/rem-1": `{"id":"rem-1","enabled":false}`,
	})

	if err := setReminderEnabled(ctx, ts.client(), "rem-1", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.requests[0].Body; got != `{"enabled":false}` {
		t.Errorf("body = %s, want {\"enabled\":false}", got)
	}

	if err := setReminderEnabled(ctx, ts.client(), "missing", true); err == nil {
		t.Error("expected error for unknown reminder")
	}
}

func TestFetchDashboard(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/users/u1/dashboard": `{"reports":[{"name":"Labs","status":"Action Required","abnormalResults":2}],"prescriptions":1,"activeReminders":3,"actionRequired":1}`,
	})

	d, err := fetchDashboard(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.Reports) != 1 || d.Reports[0].AbnormalResults != 2 {
		t.Errorf("reports = %+v", d.Reports)
	}
	if d.ActiveReminders != 3 || d.ActionRequired != 1 {
		t.Errorf("dashboard = %+v", d)
	}
}

func TestChatLoop_CarriesLog(t *testing.T) {
	out := captureStdout(t)
	ts := newTestServer(t, map[string]string{
		"POST /v1/users/u1/chat": `{"reply":"Hello.","messages":[{"role":"user","content":"hi"},{"role":"model","content":"Hello."}]}`,
	})

	err := chatLoop(ctx, ts.client(), strings.NewReader("hi\nhow are my labs?\n\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	var second struct {
		Messages []medical.Message `json:"messages"`
	}
	if err := json.Unmarshal([]byte(ts.requests[1].Body), &second); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if len(second.Messages) != 3 {
		t.Fatalf("second turn sent %d messages, want 3", len(second.Messages))
	}
	if second.Messages[2].Content != "how are my labs?" {
		t.Errorf("last message = %q", second.Messages[2].Content)
	}
	if strings.Count(out.String(), "Hello.") != 2 {
		t.Errorf("expected two replies in output:\n%s", out.String())
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok","jobs":{"pending":1}}`,
	})

	resp, err := ts.client().get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var health healthResponse
	if err := decodeJSON(resp, &health); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if health.Status != "ok" || health.Jobs["pending"] != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
		w.Write([]byte(`{"error":{"message":"model overloaded","type":"temporarily_unavailable"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", owner: "u1", httpClient: ts.Client()}
	resp, err := client.get(ctx, client.userPath("/reports"))
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	for _, want := range []string{"503", "temporarily_unavailable", "model overloaded"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to contain %q", err.Error(), want)
		}
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
		t.Errorf("error %v is not an *apiError with status 503", err)
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	http.Error(rec, "gateway down", http.StatusBadGateway)

	err := decodeJSON(rec.Result(), &struct{}{})
	if err == nil || !strings.Contains(err.Error(), "502: gateway down") {
		t.Errorf("err = %v, want the raw body with status 502", err)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.LLM.GeminiAPIKey = "secret-value"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4100" {
			found = true
		}
		if strings.Contains(k.Value, "secret-value") {
			t.Errorf("%s leaks a secret value", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := retryPolicy(config.RetryConfig{MaxAttempts: 5, BaseDelay: "250ms", Multiplier: 3})
	if p.MaxAttempts != 5 || p.BaseDelay != 250*time.Millisecond || p.Multiplier != 3 {
		t.Errorf("policy = %+v", p)
	}
	if p.Retryable == nil || p.OnRetry == nil {
		t.Error("policy should keep the default predicate and log retries")
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		got := countLabel(tt.count, tt.limit)
		if got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}

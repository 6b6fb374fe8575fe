// Package medical implements the report, prescription, chat, pharmacy and
// reminder flows of the dashboard on top of the flow runner.
package medical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kalambet/medidash/internal/llm"
)

// Value is a lab result that is either numeric (5.9) or text ("Positive").
type Value struct {
	num   float64
	text  string
	isNum bool
}

// NumberValue returns a numeric Value.
func NumberValue(f float64) Value { return Value{num: f, isNum: true} }

// TextValue returns a textual Value.
func TextValue(s string) Value { return Value{text: s} }

// Float returns the numeric value and whether the Value is numeric.
func (v Value) Float() (float64, bool) { return v.num, v.isNum }

func (v Value) String() string {
	if v.isNum {
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	}
	return v.text
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.isNum {
		return json.Marshal(v.num)
	}
	return json.Marshal(v.text)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = TextValue(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("value must be a number or string: %w", err)
	}
	*v = NumberValue(f)
	return nil
}

// Status values of an extracted result.
const (
	StatusNormal   = "normal"
	StatusAbnormal = "abnormal"
)

type ReferenceRange struct {
	Low  *float64 `json:"low,omitempty"`
	High *float64 `json:"high,omitempty"`
}

// ExtractedValue is one lab result read from a report.
type ExtractedValue struct {
	Test           string          `json:"test"`
	Value          Value           `json:"value"`
	Unit           string          `json:"unit,omitempty"`
	ReferenceRange *ReferenceRange `json:"referenceRange,omitempty"`
	Status         string          `json:"status,omitempty"`
}

// Extraction is the output of ExtractMedicalData.
type Extraction struct {
	ExtractedValues []ExtractedValue `json:"extractedValues"`
}

type FollowUp struct {
	Test     string `json:"test"`
	Reason   string `json:"reason"`
	Priority string `json:"priority"`
}

type Risk struct {
	Condition  string `json:"condition"`
	Confidence string `json:"confidence"`
	Note       string `json:"note"`
}

// DecisionSupport is the output of ProvideDecisionSupport.
type DecisionSupport struct {
	SuggestedFollowUps []FollowUp `json:"suggestedFollowUps"`
	RiskSummary        []Risk     `json:"riskSummary"`
	PatientExplanation string     `json:"patientExplanation"`
}

// Report is the stored form of an analyzed report.
type Report struct {
	Name               string           `json:"name"`
	PatientID          string           `json:"patientId"`
	UploadedAt         time.Time        `json:"uploadedAt"`
	SourceMIMEType     string           `json:"sourceMimeType,omitempty"`
	ExtractedValues    []ExtractedValue `json:"extractedValues"`
	SuggestedFollowUps []FollowUp       `json:"suggestedFollowUps"`
	RiskSummary        []Risk           `json:"riskSummary"`
	PatientExplanation string           `json:"patientExplanation"`
}

// AbnormalCount returns how many results are flagged abnormal.
func (r Report) AbnormalCount() int {
	n := 0
	for _, v := range r.ExtractedValues {
		if v.Status == StatusAbnormal {
			n++
		}
	}
	return n
}

type Medicine struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Route     string `json:"route"`
}

// Interaction severities.
const (
	SeverityLow      = "low"
	SeverityModerate = "moderate"
	SeverityHigh     = "high"
)

type Interaction struct {
	DrugA    string `json:"drugA"`
	DrugB    string `json:"drugB"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// PrescriptionAnalysis is the output of AnalyzePrescription.
type PrescriptionAnalysis struct {
	Medicines    []Medicine    `json:"medicines"`
	Interactions []Interaction `json:"interactions"`
}

// Prescription is the stored form of an analyzed prescription.
type Prescription struct {
	Name           string        `json:"name"`
	PatientID      string        `json:"patientId"`
	UploadedAt     time.Time     `json:"uploadedAt"`
	SourceMIMEType string        `json:"sourceMimeType,omitempty"`
	Medicines      []Medicine    `json:"medicines"`
	Interactions   []Interaction `json:"interactions"`
}

// Reminder defaults applied by CreateReminder.
const (
	DefaultReminderTime       = "09:00"
	DefaultReminderRecurrence = "Daily"
)

// Reminder is a medication reminder. Enabled mirrors the record flag.
type Reminder struct {
	PatientID      string `json:"patientId"`
	PrescriptionID string `json:"prescriptionId,omitempty"`
	MedicineName   string `json:"medicineName"`
	Time           string `json:"time"`
	Recurrence     string `json:"recurrence"`
	Enabled        bool   `json:"enabled"`
}

type Coords struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Pharmacy is a nearby pharmacy as returned by the places search. Distance
// is reported by the provider in metres and omitted when unknown.
type Pharmacy struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	Distance *float64 `json:"distance,omitempty"`
	Coords   Coords   `json:"coords"`
}

// NearbyResult is one stored pharmacy search.
type NearbyResult struct {
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Pharmacies []Pharmacy `json:"pharmacies"`
}

// Report status labels used in summaries.
const (
	ReportActionRequired = "Action Required"
	ReportNormal         = "Normal"
)

// ReportSummary is the short view of a report given to the assistant.
type ReportSummary struct {
	Name            string `json:"name"`
	Status          string `json:"status"`
	AbnormalResults int    `json:"abnormalResults"`
}

// Summarize reduces a report to its summary.
func Summarize(r Report) ReportSummary {
	n := r.AbnormalCount()
	status := ReportNormal
	if n > 0 {
		status = ReportActionRequired
	}
	return ReportSummary{Name: r.Name, Status: status, AbnormalResults: n}
}

// Message is one chat turn; role is "user" or "model".
type Message = llm.Message

// appendMessage returns a new log with m appended, leaving log untouched.
func appendMessage(log []Message, m Message) []Message {
	out := make([]Message, len(log), len(log)+1)
	copy(out, log)
	return append(out, m)
}

package medical

import (
	"encoding/json"
	"fmt"
	"strings"
)

const extractSystemPrompt = `You are an AI assistant specialized in extracting key medical data from reports.
Your goal is to accurately and efficiently process medical information by identifying and extracting relevant data points.
Apply reasoning to include only the most important and relevant information in the extracted values.
For every result give the test name, its value, unit, reference range and whether it is normal or abnormal.
Return JSON only.`

const decisionSystemPrompt = `You are an AI assistant that helps medical professionals by providing decision support based on medical report data.

Analyze the extracted medical data along with the patient information and provide:
1. Suggested follow-ups: any necessary follow-up tests with the test name, the reason and the priority.
2. Risk summary: potential medical conditions or risks identified from the data, with the condition, the confidence level and any additional notes.
3. Patient explanation: a patient-friendly explanation of the findings in simple terms.

Ensure that your suggestions and summaries are evidence-based and clinically relevant.
Follow the output schema and provide arrays where appropriate.`

const prescriptionSystemPrompt = `You are a pharmacist analyzing a prescription.
Extract the medicines, their dosages, frequencies and routes of administration.
Also check for potential drug interactions between the extracted medicines. If there are no interactions, return an empty array.`

const chatSystemPrompt = `You are a friendly and helpful AI medical assistant. Your role is to answer questions about a user's health based on the data they have provided.
Use the user's medical history below as the primary source of truth.`

const chatbotSystemPrompt = `You are a helpful AI medical assistant. Your role is to answer basic medical questions.
You are not a doctor and you must make that clear.
If a user asks a complex question, a question that requires a diagnosis, or asks for medical advice, you must decline to answer and firmly advise them to consult a qualified healthcare professional.
For basic, general knowledge questions (e.g., "What are the symptoms of a common cold?"), provide a helpful and informative answer.
Keep your answers concise and easy to understand.`

// Disclaimer is appended by the assistant to medical information.
const Disclaimer = "Disclaimer: I am an AI assistant. This information is not a substitute for professional medical advice. Please consult with a healthcare provider for any health concerns."

const assistantSystemPrompt = `You are a helpful AI assistant for a medical dashboard application.
Your name is MediBot.
Your capabilities are:
1. Answering questions about how to use the application.
2. Providing general information about health and wellness topics.
3. Describing the user's medical reports, which are listed below.

When providing medical information, ALWAYS include the following disclaimer at the end of your response: "` + Disclaimer + `"

If the user asks a question that is too complex, involves a diagnosis, or is about a specific medical condition that requires a doctor's expertise, you MUST decline to answer and strongly recommend they consult a healthcare professional.

Be friendly, conversational, and helpful.`

// Fallback replies when a conversational model returns nothing.
const (
	chatbotFallback   = "I'm sorry, I couldn't process that. Could you please rephrase?"
	assistantFallback = "Sorry, I'm having trouble responding right now. Please try again in a moment."
)

func extractPrompt(reportText string, hasMedia bool) string {
	var b strings.Builder
	b.WriteString("Here is the medical report:\n")
	if reportText != "" {
		b.WriteString(reportText)
		b.WriteString("\n")
	}
	if hasMedia {
		b.WriteString("(The report is attached.)\n")
	}
	b.WriteString("\nExtract the key medical data from the report, focusing on specific test results and their corresponding values, units, reference ranges, and statuses.")
	return b.String()
}

func decisionPrompt(values []ExtractedValue, patientInfo string) string {
	var b strings.Builder
	b.WriteString("Here's the extracted medical data:\n")
	for _, v := range values {
		fmt.Fprintf(&b, "- Test: %s, Value: %s", v.Test, v.Value)
		if v.Unit != "" {
			b.WriteString(" " + v.Unit)
		}
		b.WriteString(", Reference Range: ")
		if rr := v.ReferenceRange; rr != nil {
			if rr.Low != nil {
				fmt.Fprintf(&b, "%g - ", *rr.Low)
			}
			if rr.High != nil {
				fmt.Fprintf(&b, "%g", *rr.High)
			}
		}
		fmt.Fprintf(&b, ", Status: %s\n", v.Status)
	}
	fmt.Fprintf(&b, "\nPatient Information: %s\n", patientInfo)
	return b.String()
}

func prescriptionPrompt(text string, hasMedia bool) string {
	if hasMedia {
		return "Analyze the attached prescription."
	}
	return "Analyze this prescription:\n" + text
}

func chatSystem(reportData, prescriptionData string) string {
	var b strings.Builder
	b.WriteString(chatSystemPrompt)
	b.WriteString("\n\nSUMMARY OF MEDICAL REPORTS:\n")
	b.WriteString(orNone(reportData))
	b.WriteString("\n\nSUMMARY OF PRESCRIPTIONS:\n")
	b.WriteString(orNone(prescriptionData))
	b.WriteString("\n\nAnswer the user's last message based on the conversation and the medical data.")
	return b.String()
}

func assistantSystem(userID string, reports []ReportSummary) (string, error) {
	if reports == nil {
		reports = []ReportSummary{}
	}
	data, err := json.Marshal(reports)
	if err != nil {
		return "", fmt.Errorf("encoding report summaries: %w", err)
	}
	return fmt.Sprintf("%s\n\nThe user's ID is %s. Their reports: %s", assistantSystemPrompt, userID, data), nil
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

package medical

import "github.com/kalambet/medidash/internal/schema"

var referenceRangeSchema = schema.Object(
	schema.Optional("low", schema.Number()).Describe("The lower bound of the reference range."),
	schema.Optional("high", schema.Number()).Describe("The upper bound of the reference range."),
)

var extractedValueSchema = schema.Object(
	schema.Required("test", schema.String().NonEmpty()).Describe("The name of the medical test performed."),
	schema.Required("value", schema.Union(schema.Number(), schema.String())).Describe("The value of the test result."),
	schema.Optional("unit", schema.String()).Describe("The unit of measurement for the test result."),
	schema.Optional("referenceRange", referenceRangeSchema).Describe("The reference range for the test result."),
	schema.Optional("status", schema.Enum(StatusNormal, StatusAbnormal)).Describe("The status of the test result."),
)

// ExtractionSchema accepts the output of ExtractMedicalData.
var ExtractionSchema = schema.Object(
	schema.Required("extractedValues", schema.Array(extractedValueSchema)).
		Describe("An array of extracted medical test results from the report."),
)

// DecisionSupportSchema accepts the output of ProvideDecisionSupport.
var DecisionSupportSchema = schema.Object(
	schema.Required("suggestedFollowUps", schema.Array(schema.Object(
		schema.Required("test", schema.String()).Describe("The name of the follow-up test."),
		schema.Required("reason", schema.String()).Describe("The reason for the suggested follow-up."),
		schema.Required("priority", schema.String()).Describe("The priority of the suggested follow-up."),
	))).Describe("The suggested follow-up tests based on the extracted data."),
	schema.Required("riskSummary", schema.Array(schema.Object(
		schema.Required("condition", schema.String()).Describe("The potential medical condition."),
		schema.Required("confidence", schema.String()).Describe("The confidence level of the risk assessment."),
		schema.Required("note", schema.String()).Describe("Additional notes or observations."),
	))).Describe("A summary of potential risks based on the extracted data."),
	schema.Required("patientExplanation", schema.String()).Describe("A patient-friendly explanation of the findings."),
)

// PrescriptionSchema accepts the output of AnalyzePrescription.
var PrescriptionSchema = schema.Object(
	schema.Required("medicines", schema.Array(schema.Object(
		schema.Required("name", schema.String().NonEmpty()).Describe("Name of the medicine."),
		schema.Required("dosage", schema.String()).Describe("Dosage of the medicine."),
		schema.Required("frequency", schema.String()).Describe("Frequency of the medicine."),
		schema.Required("route", schema.String()).Describe("Route of administration."),
	))).Describe("List of medicines extracted from the prescription."),
	schema.Required("interactions", schema.Array(schema.Object(
		schema.Required("drugA", schema.String()).Describe("Name of the first drug."),
		schema.Required("drugB", schema.String()).Describe("Name of the second drug."),
		schema.Required("severity", schema.Enum(SeverityLow, SeverityModerate, SeverityHigh)).Describe("Severity of the interaction."),
		schema.Required("message", schema.String()).Describe("Description of the interaction."),
	))).Describe("List of potential drug interactions."),
)

// nearbySchema accepts a Mappls nearby response. Entries must carry an
// eLoc and a name; everything else is optional.
var nearbySchema = schema.Object(
	schema.Optional("suggestedLocations", schema.Array(schema.Object(
		schema.Required("eLoc", schema.String().NonEmpty()),
		schema.Required("placeName", schema.String()),
		schema.Optional("placeAddress", schema.String()),
		schema.Optional("distance", schema.Number()),
		schema.Optional("lat", schema.Number()),
		schema.Optional("lng", schema.Number()),
		schema.Optional("latitude", schema.Number()),
		schema.Optional("longitude", schema.Number()),
	))),
)

// --- inputs ---

var messageSchema = schema.Object(
	schema.Required("role", schema.Enum("user", "model")),
	schema.Required("content", schema.String()),
)

var extractInputSchema = schema.Object(
	schema.Optional("reportText", schema.String()),
	schema.Optional("reportDataUri", schema.String().Prefix("data:")),
)

var decisionInputSchema = schema.Object(
	schema.Required("extractedValues", schema.Array(extractedValueSchema)),
	schema.Required("patientInfo", schema.String()),
)

var prescriptionInputSchema = schema.Object(
	schema.Optional("prescriptionText", schema.String()),
	schema.Optional("prescriptionDataUri", schema.String().Prefix("data:")),
)

var chatInputSchema = schema.Object(
	schema.Required("messages", schema.Array(messageSchema).MinItems(1)),
	schema.Optional("reportData", schema.String()),
	schema.Optional("prescriptionData", schema.String()),
)

var chatbotInputSchema = schema.Object(
	schema.Required("messages", schema.Array(messageSchema).MinItems(1)),
)

var assistantInputSchema = schema.Object(
	schema.Required("userId", schema.String().NonEmpty()),
	schema.Required("messages", schema.Array(messageSchema).MinItems(1)),
)

var nearbyInputSchema = schema.Object(
	schema.Required("latitude", schema.Number().Range(-90, 90)),
	schema.Required("longitude", schema.Number().Range(-180, 180)),
	schema.Required("userId", schema.String().NonEmpty()),
)

var reminderInputSchema = schema.Object(
	schema.Required("patientId", schema.String().NonEmpty()),
	schema.Optional("prescriptionId", schema.String()),
	schema.Required("medicineName", schema.String().NonEmpty()),
)

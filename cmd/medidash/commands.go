package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/medidash/internal/config"
	"github.com/kalambet/medidash/internal/document"
	"github.com/kalambet/medidash/internal/llm"
	"github.com/kalambet/medidash/internal/medical"
)

// readUpload loads a local file for upload. Plain text is sent as text,
// anything else as a data URI.
func readUpload(path string) (text, dataURI string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("reading file: %w", err)
	}
	f, err := document.FromBytes(data)
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", path, err)
	}
	if f.MIMEType == "text/plain" {
		return string(f.Data), "", nil
	}
	return "", f.DataURI(), nil
}

// uploadFlags reads --text / --file into text or a data URI.
func uploadFlags(cmd *cobra.Command) (text, dataURI string, err error) {
	text, _ = cmd.Flags().GetString("text")
	file, _ := cmd.Flags().GetString("file")
	switch {
	case text != "" && file != "":
		return "", "", errors.New("use only one of --text or --file")
	case file != "":
		return readUpload(file)
	case text != "":
		return text, "", nil
	}
	return "", "", errors.New("one of --text or --file is required")
}

func addUploadFlags(cmd *cobra.Command) {
	cmd.Flags().String("text", "", "document content as plain text")
	cmd.Flags().String("file", "", "path to a PDF, image or text file")
	cmd.Flags().String("name", "", "display name (default: dated)")
	cmd.Flags().Bool("no-save", false, "analyze without storing the result")
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Analyze and browse medical reports",
}

var reportAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Extract lab values from a report and explain them",
	Long: `Extract lab values from a report and explain them.

Examples:
  medidash report analyze --file ./bloodwork.pdf --name "Annual labs"
  medidash report analyze --text "Hemoglobin A1c 5.9% (4.0-5.6)" --no-save`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, dataURI, err := uploadFlags(cmd)
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		noSave, _ := cmd.Flags().GetBool("no-save")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		report, err := analyzeReport(cmd.Context(), client, medical.AnalyzeReportInput{
			Name:          name,
			ReportText:    text,
			ReportDataURI: dataURI,
			Save:          !noSave,
		})
		if err != nil {
			return err
		}
		printReport(report)
		if report.ID != "" {
			printSuccess("Saved report %s", report.ID)
		}
		return nil
	},
}

func analyzeReport(ctx context.Context, c *apiClient, in medical.AnalyzeReportInput) (medical.StoredReport, error) {
	var report medical.StoredReport
	resp, err := c.post(ctx, c.userPath("/reports"), in)
	if err != nil {
		return report, err
	}
	return report, decodeJSON(resp, &report)
}

func printReport(r medical.StoredReport) {
	sum := medical.Summarize(r.Report)
	fmt.Fprintf(stdout, "%s  %s\n", colorize(colorBold, r.Name), statusLabel(sum.Status))
	for _, v := range r.ExtractedValues {
		line := fmt.Sprintf("  %-28s %s %s", v.Test, v.Value, v.Unit)
		if v.Status == medical.StatusAbnormal {
			line = colorize(colorRed, line+"  (abnormal)")
		}
		fmt.Fprintln(stdout, line)
	}
	for _, f := range r.SuggestedFollowUps {
		fmt.Fprintf(stdout, "  follow-up: %s [%s] %s\n", f.Test, f.Priority, f.Reason)
	}
	if r.PatientExplanation != "" {
		fmt.Fprintf(stdout, "\n%s\n", r.PatientExplanation)
	}
}

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var reports []medical.StoredReport
		resp, err := client.get(cmd.Context(), client.userPath("/reports"))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &reports); err != nil {
			return err
		}
		if len(reports) == 0 {
			fmt.Fprintln(stdout, "No reports found.")
			return nil
		}
		for _, r := range reports {
			sum := medical.Summarize(r.Report)
			fmt.Fprintf(stdout, "%s  %s  %-30s %s\n",
				idLabel(r.ID), r.UploadedAt.Format("2006-01-02"), r.Name, statusLabel(sum.Status))
		}
		return nil
	},
}

var reportShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a stored report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var report medical.StoredReport
		resp, err := client.get(cmd.Context(), client.userPath("/reports/"+args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

func init() {
	addUploadFlags(reportAnalyzeCmd)
	reportCmd.AddCommand(reportAnalyzeCmd, reportListCmd, reportShowCmd)
}

// --- prescription ---

var prescriptionCmd = &cobra.Command{
	Use:   "prescription",
	Short: "Analyze and browse prescriptions",
}

var prescriptionSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "List the medicines in a prescription and flag interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		text, dataURI, err := uploadFlags(cmd)
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		noSave, _ := cmd.Flags().GetBool("no-save")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var p medical.StoredPrescription
		resp, err := client.post(cmd.Context(), client.userPath("/prescriptions"), medical.SubmitPrescriptionInput{
			Name:                name,
			PrescriptionText:    text,
			PrescriptionDataURI: dataURI,
			Save:                !noSave,
		})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printPrescription(p)
		if p.ID != "" {
			printSuccess("Saved prescription %s", p.ID)
		}
		return nil
	},
}

func printPrescription(p medical.StoredPrescription) {
	fmt.Fprintln(stdout, colorize(colorBold, p.Name))
	for _, m := range p.Medicines {
		fmt.Fprintf(stdout, "  %-24s %-10s %-14s %s\n", m.Name, m.Dosage, m.Frequency, m.Route)
	}
	for _, ix := range p.Interactions {
		line := fmt.Sprintf("  %s + %s [%s]: %s", ix.DrugA, ix.DrugB, ix.Severity, ix.Message)
		if ix.Severity == medical.SeverityHigh {
			line = colorize(colorRed, line)
		}
		fmt.Fprintln(stdout, line)
	}
}

var prescriptionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored prescriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var ps []medical.StoredPrescription
		resp, err := client.get(cmd.Context(), client.userPath("/prescriptions"))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &ps); err != nil {
			return err
		}
		if len(ps) == 0 {
			fmt.Fprintln(stdout, "No prescriptions found.")
			return nil
		}
		for _, p := range ps {
			fmt.Fprintf(stdout, "%s  %s  %-30s %d medicines\n",
				idLabel(p.ID), p.UploadedAt.Format("2006-01-02"), p.Name, len(p.Medicines))
		}
		return nil
	},
}

var prescriptionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a stored prescription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var p medical.StoredPrescription
		resp, err := client.get(cmd.Context(), client.userPath("/prescriptions/"+args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printPrescription(p)
		return nil
	},
}

func init() {
	addUploadFlags(prescriptionSubmitCmd)
	prescriptionCmd.AddCommand(prescriptionSubmitCmd, prescriptionListCmd, prescriptionShowCmd)
}

// --- reminder ---

var reminderCmd = &cobra.Command{
	Use:   "reminder",
	Short: "Manage medication reminders",
}

var reminderAddCmd = &cobra.Command{
	Use:   "add <medicine>",
	Short: "Create a daily 09:00 reminder",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prescriptionID, _ := cmd.Flags().GetString("prescription")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var res medical.ReminderResult
		resp, err := client.post(cmd.Context(), client.userPath("/reminders"), map[string]string{
			"medicineName":   strings.Join(args, " "),
			"prescriptionId": prescriptionID,
		})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("%s (%s %s, id %s)", res.Message, res.Reminder.Recurrence, res.Reminder.Time, res.Reminder.ID)
		return nil
	},
}

var reminderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reminders",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var rems []medical.StoredReminder
		resp, err := client.get(cmd.Context(), client.userPath("/reminders"))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &rems); err != nil {
			return err
		}
		if len(rems) == 0 {
			fmt.Fprintln(stdout, "No reminders found.")
			return nil
		}
		for _, r := range rems {
			state := colorize(colorGreen, "on ")
			if !r.Enabled {
				state = colorize(colorYellow, "off")
			}
			fmt.Fprintf(stdout, "%s  %s  %s %-6s %s\n", idLabel(r.ID), state, r.Recurrence, r.Time, r.MedicineName)
		}
		return nil
	},
}

func reminderToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := setReminderEnabled(cmd.Context(), client, args[0], enabled); err != nil {
				return err
			}
			printSuccess("Reminder %s %sd", args[0], use)
			return nil
		},
	}
}

func setReminderEnabled(ctx context.Context, c *apiClient, id string, enabled bool) error {
	resp, err := c.patch(ctx, c.userPath("/reminders/"+id), map[string]bool{"enabled": enabled})
	if err != nil {
		return err
	}
	var out map[string]any
	return decodeJSON(resp, &out)
}

func init() {
	reminderAddCmd.Flags().String("prescription", "", "prescription the reminder belongs to")
	reminderCmd.AddCommand(reminderAddCmd, reminderListCmd, reminderToggleCmd("enable", true), reminderToggleCmd("disable", false))
}

// --- pharmacy ---

var pharmacyCmd = &cobra.Command{
	Use:   "pharmacy",
	Short: "Find nearby pharmacies",
}

var pharmacyFindCmd = &cobra.Command{
	Use:   "find",
	Short: "Search for pharmacies around a point",
	RunE: func(cmd *cobra.Command, args []string) error {
		lat, _ := cmd.Flags().GetFloat64("lat")
		lng, _ := cmd.Flags().GetFloat64("lng")
		save, _ := cmd.Flags().GetBool("save")
		if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lng") {
			return errors.New("--lat and --lng are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var res medical.StoredNearby
		resp, err := client.post(cmd.Context(), client.userPath("/pharmacies/nearby"), map[string]any{
			"latitude":  lat,
			"longitude": lng,
			"save":      save,
		})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printPharmacies(res.Pharmacies)
		return nil
	},
}

func printPharmacies(ps []medical.Pharmacy) {
	if len(ps) == 0 {
		fmt.Fprintln(stdout, "No pharmacies found.")
		return
	}
	for _, p := range ps {
		dist := "      "
		if p.Distance != nil {
			dist = fmt.Sprintf("%5.0fm", *p.Distance)
		}
		fmt.Fprintf(stdout, "%s  %s  %s\n", dist, colorize(colorBold, p.Name), p.Address)
	}
}

var pharmacyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved pharmacy searches",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var saved []medical.StoredNearby
		resp, err := client.get(cmd.Context(), client.userPath("/pharmacies/nearby"))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &saved); err != nil {
			return err
		}
		for _, s := range saved {
			fmt.Fprintf(stdout, "%s  (%.4f, %.4f)  %d pharmacies\n", idLabel(s.ID), s.Latitude, s.Longitude, len(s.Pharmacies))
		}
		return nil
	},
}

func init() {
	pharmacyFindCmd.Flags().Float64("lat", 0, "latitude")
	pharmacyFindCmd.Flags().Float64("lng", 0, "longitude")
	pharmacyFindCmd.Flags().Bool("save", false, "store the search result")
	pharmacyCmd.AddCommand(pharmacyFindCmd, pharmacyListCmd)
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat about your stored reports and prescriptions",
	Long: `Chat about your stored reports and prescriptions.

Type a message and press enter; an empty line or EOF ends the session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return chatLoop(cmd.Context(), client, os.Stdin)
	},
}

// chatLoop reads user turns from in and prints each reply, carrying the
// log returned by the server into the next turn.
func chatLoop(ctx context.Context, c *apiClient, in io.Reader) error {
	var log []medical.Message
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(stdout, colorize(colorCyan, "you> "))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		turn := append(append([]medical.Message(nil), log...), medical.Message{Role: llm.RoleUser, Content: line})

		var reply medical.ChatReply
		resp, err := c.post(ctx, c.userPath("/chat"), map[string]any{"messages": turn})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &reply); err != nil {
			printError("%v", err)
			continue
		}
		log = reply.Messages
		fmt.Fprintf(stdout, "%s %s\n", colorize(colorGreen, "medibot>"), reply.Reply)
	}
	fmt.Fprintln(stdout)
	return scanner.Err()
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the general medical chatbot a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var out map[string]string
		resp, err := client.post(cmd.Context(), "/v1/chatbot", map[string]any{
			"messages": []medical.Message{{Role: llm.RoleUser, Content: strings.Join(args, " ")}},
		})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		fmt.Fprintln(stdout, out["reply"])
		return nil
	},
}

// --- dashboard ---

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show the overview of stored records",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		d, err := fetchDashboard(cmd.Context(), client)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s  %d reports, %d need attention\n", colorize(colorBold, "Reports"), len(d.Reports), d.ActionRequired)
		for _, r := range d.Reports {
			fmt.Fprintf(stdout, "  %-30s %s (%d abnormal)\n", r.Name, statusLabel(r.Status), r.AbnormalResults)
		}
		fmt.Fprintf(stdout, "%s  %d\n", colorize(colorBold, "Prescriptions"), d.Prescriptions)
		fmt.Fprintf(stdout, "%s  %d active\n", colorize(colorBold, "Reminders"), d.ActiveReminders)
		return nil
	},
}

func fetchDashboard(ctx context.Context, c *apiClient) (medical.Dashboard, error) {
	var d medical.Dashboard
	resp, err := c.get(ctx, c.userPath("/dashboard"))
	if err != nil {
		return d, err
	}
	return d, decodeJSON(resp, &d)
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the patient profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current profile as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var profile any
		resp, err := client.get(cmd.Context(), client.userPath("/profile"))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}
		return printJSON(profile)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a profile field (dob as YYYY-MM-DD, lists comma-separated)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), client.userPath("/profile"), map[string]any{key: value})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var profileEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open profile JSON in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var profile any
		resp, err := client.get(cmd.Context(), client.userPath("/profile"))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}

		data, err := json.MarshalIndent(profile, "", "  ")
		if err != nil {
			return err
		}

		tmpFile, err := os.CreateTemp("", "medidash-profile-*.json")
		if err != nil {
			return fmt.Errorf("creating temp file: %w", err)
		}
		tmpPath := tmpFile.Name()
		defer os.Remove(tmpPath)

		if _, err := tmpFile.Write(data); err != nil {
			tmpFile.Close()
			return err
		}
		tmpFile.Close()

		editorCmd := exec.Command(editor, tmpPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		if err := editorCmd.Run(); err != nil {
			return fmt.Errorf("editor exited with error: %w", err)
		}

		edited, err := os.ReadFile(tmpPath)
		if err != nil {
			return err
		}
		var fields map[string]any
		if err := json.Unmarshal(edited, &fields); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}

		patchResp, err := client.patch(cmd.Context(), client.userPath("/profile"), fields)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(patchResp, &result); err != nil {
			return err
		}
		printSuccess("Profile updated")
		return nil
	},
}

func init() {
	profileCmd.AddCommand(profileShowCmd, profileSetCmd, profileEditCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value (secrets go to the secrets file)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

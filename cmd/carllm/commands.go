package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/carllm/internal/config"
	"github.com/kalambet/carllm/internal/storage"
)

// Wire shapes returned by the HTTP API.

type vehicleInfo struct {
	ID               string   `json:"id"`
	Year             int      `json:"year"`
	Make             string   `json:"make"`
	Model            string   `json:"model"`
	Mileage          int      `json:"mileage"`
	EngineType       string   `json:"engine_type"`
	TransmissionType string   `json:"transmission_type"`
	Drivetrain       string   `json:"drivetrain"`
	FuelType         string   `json:"fuel_type"`
	Replacements     []string `json:"replacements"`
}

type chatInfo struct {
	ID               string `json:"id"`
	VehicleID        string `json:"vehicle_id"`
	Phase            string `json:"phase"`
	AwaitingResponse bool   `json:"awaiting_response"`
	TokensReceived   int    `json:"tokens_received"`
	LatestMessageID  string `json:"latest_message_id"`
}

type messageInfo struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	PromptType string `json:"prompt_type"`
	Content    string `json:"content"`
	Metadata   struct {
		Model       string `json:"model"`
		IntakeStage string `json:"intake_stage"`
		WinnerModel string `json:"winner_model"`
	} `json:"metadata"`
}

// --- user ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage API users",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a user and print its bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		save, _ := cmd.Flags().GetBool("save")
		id, _ := cmd.Flags().GetString("id")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		u, err := store.CreateUser(cmd.Context(), storage.User{ID: id})
		if err != nil {
			return err
		}
		printSuccess("Created user %s", u.ID)
		fmt.Println(u.Token)

		if save {
			if err := config.SetAPIToken(u.Token); err != nil {
				return fmt.Errorf("saving token: %w", err)
			}
			printSuccess("Token saved for CLI use")
		}
		return nil
	},
}

func init() {
	userAddCmd.Flags().Bool("save", false, "store the token for subsequent CLI commands")
	userAddCmd.Flags().String("id", "", "user id (generated when empty)")
	userCmd.AddCommand(userAddCmd)
}

// --- vehicle ---

var vehicleCmd = &cobra.Command{
	Use:   "vehicle",
	Short: "Manage vehicles",
}

var vehicleAddCmd = &cobra.Command{
	Use:   "add <make> <model>",
	Short: "Register a vehicle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		year, _ := cmd.Flags().GetInt("year")
		mileage, _ := cmd.Flags().GetInt("mileage")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/vehicles", map[string]any{
			"make":    args[0],
			"model":   args[1],
			"year":    year,
			"mileage": mileage,
		})
		if err != nil {
			return err
		}
		var v vehicleInfo
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}
		printSuccess("Created vehicle %s", v.ID)
		return nil
	},
}

var vehicleShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one vehicle, or list all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			resp, err := client.get(cmd.Context(), "/v1/vehicles")
			if err != nil {
				return err
			}
			var vehicles []vehicleInfo
			if err := decodeJSON(resp, &vehicles); err != nil {
				return err
			}
			if len(vehicles) == 0 {
				fmt.Println("No vehicles found.")
				return nil
			}
			for _, v := range vehicles {
				fmt.Printf("%s  %s\n", colorize(colorCyan, v.ID), vehicleLabel(v))
			}
			return nil
		}

		resp, err := client.get(cmd.Context(), "/v1/vehicles/"+args[0])
		if err != nil {
			return err
		}
		var v vehicleInfo
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}
		printVehicle(v)
		return nil
	},
}

func init() {
	vehicleAddCmd.Flags().Int("year", 0, "model year")
	vehicleAddCmd.Flags().Int("mileage", 0, "odometer reading")
	vehicleCmd.AddCommand(vehicleAddCmd)
	vehicleCmd.AddCommand(vehicleShowCmd)
}

func vehicleLabel(v vehicleInfo) string {
	label := v.Make + " " + v.Model
	if v.Year > 0 {
		label = fmt.Sprintf("%d %s", v.Year, label)
	}
	return label
}

func printVehicle(v vehicleInfo) {
	fmt.Println(colorize(colorBold, vehicleLabel(v)))
	printStatus("ID", "%s", v.ID)
	if v.Mileage > 0 {
		printStatus("Mileage", "%d", v.Mileage)
	}
	for _, f := range []struct{ label, value string }{
		{"Engine", v.EngineType},
		{"Transmission", v.TransmissionType},
		{"Drivetrain", v.Drivetrain},
		{"Fuel", v.FuelType},
	} {
		if f.value != "" {
			printStatus(f.label, "%s", f.value)
		}
	}
	if len(v.Replacements) > 0 {
		printStatus("Replaced", "%s", strings.Join(v.Replacements, ", "))
	}
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Diagnostic conversations",
}

var chatNewCmd = &cobra.Command{
	Use:   "new <vehicle-id>",
	Short: "Start a chat about a vehicle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/chats", map[string]string{"vehicle_id": args[0]})
		if err != nil {
			return err
		}
		var c chatInfo
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		printSuccess("Started chat %s", c.ID)
		return nil
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a message and run the next pipeline step",
	Long: `Send a message and run the step that follows it:

  first message          -> follow-up questions
  answers to questions   -> sufficiency check, then diagnosis
  anything after that    -> conversational reply`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		content := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/chats/"+chatID+"/messages", map[string]string{"content": content})
		if err != nil {
			return err
		}
		var msg messageInfo
		if err := decodeJSON(resp, &msg); err != nil {
			return err
		}

		stage := nextStage(msg)
		printStep("Running %s...", stage)
		return runStage(cmd.Context(), client, chatID, msg.ID, stage)
	},
}

var chatShowCmd = &cobra.Command{
	Use:   "show <chat-id>",
	Short: "Print a chat's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/chats/"+args[0]+"/messages")
		if err != nil {
			return err
		}
		var msgs []messageInfo
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

func init() {
	chatCmd.AddCommand(chatNewCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatShowCmd)
}

// nextStage picks the pipeline entry point for a freshly sent message.
func nextStage(m messageInfo) string {
	switch {
	case m.PromptType == "intake" && m.Metadata.IntakeStage == "initial":
		return "intake"
	case m.PromptType == "intake":
		return "diagnose"
	default:
		return "reply"
	}
}

// runStage calls a pipeline entry point and prints the message it produced.
func runStage(ctx context.Context, client *apiClient, chatID, messageID, stage string) error {
	resp, err := client.post(ctx, "/v1/chats/"+chatID+"/"+stage, map[string]string{"message_id": messageID})
	if err != nil {
		return err
	}
	var result struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if result.Status == "needs_more_info" {
		printWarning("More information is needed before a diagnosis")
	}

	resp, err = client.get(ctx, "/v1/chats/"+chatID+"/messages")
	if err != nil {
		return err
	}
	var msgs []messageInfo
	if err := decodeJSON(resp, &msgs); err != nil {
		return err
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == "assistant" {
		printMessage(msgs[n-1])
	}
	return nil
}

func printMessage(m messageInfo) {
	label := m.Role
	if m.Metadata.Model != "" {
		label += " (" + m.Metadata.Model + ")"
	}
	fmt.Printf("\n%s\n", colorize(colorBold, label))
	fmt.Println(renderContent(m))
}

// renderContent turns the JSON bodies of intake and aggregate messages into
// readable text. Anything else is printed as is.
func renderContent(m messageInfo) string {
	switch m.PromptType {
	case "intake":
		var q struct {
			Questions []string `json:"questions"`
		}
		if json.Unmarshal([]byte(m.Content), &q) == nil && len(q.Questions) > 0 {
			var b strings.Builder
			for i, s := range q.Questions {
				fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
			}
			return strings.TrimRight(b.String(), "\n")
		}
	case "aggregate":
		var v struct {
			DiagnosticAnswer string   `json:"diagnostic_answer"`
			Justification    []string `json:"justification"`
			Explanation      string   `json:"explanation"`
		}
		if json.Unmarshal([]byte(m.Content), &v) == nil && v.DiagnosticAnswer != "" {
			var b strings.Builder
			b.WriteString(colorize(colorGreen, v.DiagnosticAnswer))
			b.WriteString("\n")
			for _, j := range v.Justification {
				fmt.Fprintf(&b, "  - %s\n", j)
			}
			if v.Explanation != "" {
				b.WriteString("\n" + v.Explanation)
			}
			return strings.TrimRight(b.String(), "\n")
		}
	}
	return m.Content
}

// --- diagnose ---

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <chat-id>",
	Short: "Run the diagnosis on a chat's latest message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/chats/"+args[0])
		if err != nil {
			return err
		}
		var c chatInfo
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		if c.LatestMessageID == "" {
			return fmt.Errorf("chat %s has no messages", c.ID)
		}
		printStep("Consulting every engine...")
		return runStage(cmd.Context(), client, c.ID, c.LatestMessageID, "diagnose")
	},
}

// --- service record ---

var serviceRecordCmd = &cobra.Command{
	Use:   "service-record <vehicle-id> <file>",
	Short: "Upload a service invoice (PDF or text) to learn replaced parts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		contentType := "application/pdf"
		if !strings.EqualFold(filepath.Ext(args[1]), ".pdf") {
			contentType = "text/plain; charset=utf-8"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.upload(cmd.Context(), "/v1/vehicles/"+args[0]+"/service-records", contentType, data)
		if err != nil {
			return err
		}
		var result struct {
			Status     string `json:"status"`
			Characters int    `json:"characters"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued %d characters for replacement extraction", result.Characters)
		return nil
	},
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
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+k.Source+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a value from the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetAPIKeyCmd = &cobra.Command{
	Use:   "set-api-key <key>",
	Short: "Store the OpenRouter API key in the secrets file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetAPIKey(args[0]); err != nil {
			return err
		}
		printSuccess("OpenRouter API key saved")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSetAPIKeyCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldhub/outreach/internal/config"
)

// --- vendors ---

var vendorsCmd = &cobra.Command{
	Use:   "vendors",
	Short: "Manage vendor records",
}

var vendorsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a new vendor (enters review)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phone, _ := cmd.Flags().GetString("phone")
		email, _ := cmd.Flags().GetString("email")
		notes, _ := cmd.Flags().GetString("notes")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"name": args[0]}
		if phone != "" {
			req["phone"] = phone
		}
		if email != "" {
			req["email"] = email
		}
		if notes != "" {
			req["notes"] = notes
		}

		resp, err := client.post(cmd.Context(), "/vendors", req)
		if err != nil {
			return err
		}

		var vendor struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &vendor); err != nil {
			return err
		}

		printSuccess("Created vendor %s (%s)", vendor.ID, vendor.Status)
		return nil
	},
}

var vendorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List vendors",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/vendors?limit=%d", limit)
		if status != "" {
			path += "&status=" + url.QueryEscape(status)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var vendors []struct {
			ID             string `json:"id"`
			Name           string `json:"name"`
			Status         string `json:"status"`
			OutreachStatus string `json:"outreach_status"`
		}
		if err := decodeJSON(resp, &vendors); err != nil {
			return err
		}

		if len(vendors) == 0 {
			fmt.Println("No vendors found.")
			return nil
		}

		for _, v := range vendors {
			fmt.Printf("%s  %-16s %-12s %s\n",
				colorize(colorCyan, v.ID[:8]),
				v.Status,
				v.OutreachStatus,
				v.Name,
			)
		}
		return nil
	},
}

var vendorsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a vendor's contact details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{}
		for _, flag := range []string{"phone", "email", "notes"} {
			if cmd.Flags().Changed(flag) {
				v, _ := cmd.Flags().GetString(flag)
				req[flag] = v
			}
		}
		if len(req) == 0 {
			return fmt.Errorf("nothing to update: pass at least one of --phone, --email, --notes")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/vendors/"+args[0], req)
		if err != nil {
			return err
		}

		var vendor struct {
			ID             string `json:"id"`
			OutreachStatus string `json:"outreach_status"`
		}
		if err := decodeJSON(resp, &vendor); err != nil {
			return err
		}

		printSuccess("Updated vendor %s", vendor.ID)
		if vendor.OutreachStatus == "NEEDS_CONTACT" {
			fmt.Println("Re-approve the vendor to queue outreach with the new details.")
		}
		return nil
	},
}

var vendorsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single vendor as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/vendors/"+args[0])
		if err != nil {
			return err
		}

		var vendor any
		if err := decodeJSON(resp, &vendor); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(vendor)
	},
}

func init() {
	vendorsAddCmd.Flags().String("phone", "", "vendor phone number")
	vendorsAddCmd.Flags().String("email", "", "vendor email address")
	vendorsAddCmd.Flags().String("notes", "", "free-form notes")
	vendorsUpdateCmd.Flags().String("phone", "", "vendor phone number")
	vendorsUpdateCmd.Flags().String("email", "", "vendor email address")
	vendorsUpdateCmd.Flags().String("notes", "", "free-form notes")
	vendorsListCmd.Flags().String("status", "", "filter by vendor status")
	vendorsListCmd.Flags().Int("limit", 20, "maximum number of vendors to list")
	vendorsCmd.AddCommand(vendorsAddCmd)
	vendorsCmd.AddCommand(vendorsUpdateCmd)
	vendorsCmd.AddCommand(vendorsListCmd)
	vendorsCmd.AddCommand(vendorsShowCmd)
}

// --- lifecycle triggers ---

var approveCmd = &cobra.Command{
	Use:   "approve <vendor-id>",
	Short: "Approve a vendor and queue welcome outreach",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		urgent, _ := cmd.Flags().GetBool("urgent")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/vendors/"+args[0]+"/approve", map[string]any{"urgent": urgent})
		if err != nil {
			return err
		}

		var vendor struct {
			Status         string `json:"status"`
			OutreachStatus string `json:"outreach_status"`
		}
		if err := decodeJSON(resp, &vendor); err != nil {
			return err
		}

		if vendor.OutreachStatus == "NEEDS_CONTACT" {
			printWarning("Vendor approved but has no phone or email; set them with 'outreach vendors update' and re-approve")
			return nil
		}
		printSuccess("Vendor approved (%s), outreach queued", vendor.Status)
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <vendor-id>",
	Short: "Reject a vendor",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionRunE("/reject", "Vendor rejected"),
}

var activateCmd = &cobra.Command{
	Use:   "activate <vendor-id>",
	Short: "Activate a vendor after terms are agreed",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionRunE("/activate", "Vendor activated"),
}

func transitionRunE(suffix, successMsg string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/vendors/"+args[0]+suffix, nil)
		if err != nil {
			return err
		}

		var vendor struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &vendor); err != nil {
			return err
		}

		printSuccess("%s (%s)", successMsg, vendor.Status)
		return nil
	}
}

func init() {
	approveCmd.Flags().Bool("urgent", false, "schedule outreach at the next opening instead of next morning")
}

// --- reply ---

var replyCmd = &cobra.Command{
	Use:   "reply <vendor-id> <message>",
	Short: "Record an inbound vendor reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/vendors/"+args[0]+"/replies", map[string]any{"message": message})
		if err != nil {
			return err
		}

		var result struct {
			Intent string `json:"intent"`
			Reply  string `json:"reply"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Reply recorded, classified as %s", result.Intent)
		if result.Reply != "" {
			fmt.Printf("\n%s\n%s\n", colorize(colorBold, "Suggested response:"), result.Reply)
		}
		return nil
	},
}

// --- activities ---

var activitiesCmd = &cobra.Command{
	Use:   "activities <vendor-id>",
	Short: "Show a vendor's activity timeline, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/vendors/%s/activities?limit=%d", args[0], limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var activities []struct {
			Seq         int64  `json:"seq"`
			Type        string `json:"type"`
			Description string `json:"description"`
			CreatedAt   string `json:"created_at"`
		}
		if err := decodeJSON(resp, &activities); err != nil {
			return err
		}

		if len(activities) == 0 {
			fmt.Println("No activity recorded.")
			return nil
		}

		for _, a := range activities {
			desc := a.Description
			if len(desc) > 80 {
				desc = desc[:80] + "..."
			}
			fmt.Printf("%s  %-16s %s\n",
				colorize(colorCyan, a.CreatedAt),
				a.Type,
				desc,
			)
		}
		return nil
	},
}

func init() {
	activitiesCmd.Flags().Int("limit", 50, "maximum number of entries")
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and requeue outreach tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outreach tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/tasks?limit=%d", limit)
		if status != "" {
			path += "&status=" + url.QueryEscape(status)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var tasks []struct {
			ID          string `json:"id"`
			VendorID    string `json:"vendor_id"`
			Type        string `json:"type"`
			Status      string `json:"status"`
			RetryCount  int    `json:"retry_count"`
			ScheduledAt string `json:"scheduled_at"`
			LastError   string `json:"last_error"`
		}
		if err := decodeJSON(resp, &tasks); err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		for _, t := range tasks {
			line := fmt.Sprintf("%s  %-9s %-12s retries=%d  due %s  vendor %s",
				colorize(colorCyan, t.ID[:8]),
				t.Type,
				t.Status,
				t.RetryCount,
				t.ScheduledAt,
				t.VendorID[:8],
			)
			fmt.Println(line)
			if t.LastError != "" {
				fmt.Printf("          %s\n", colorize(colorRed, t.LastError))
			}
		}
		return nil
	},
}

var tasksRequeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Clone a failed task back onto the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/tasks/"+args[0]+"/requeue", nil)
		if err != nil {
			return err
		}

		var task struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &task); err != nil {
			return err
		}

		printSuccess("Requeued as task %s", task.ID)
		return nil
	},
}

func init() {
	tasksListCmd.Flags().String("status", "", "filter by task status")
	tasksListCmd.Flags().Int("limit", 20, "maximum number of tasks to list")
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksRequeueCmd)
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

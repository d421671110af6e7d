package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/valet/pkg/valet/trigger"
)

// newTriggerCmd creates the `valet trigger` command group.
func newTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Manage reminders and schedules",
		Long: `Manage triggers: one-shot reminders, recurring schedules, and
mailbox condition polls.

Examples:
  valet trigger list
  valet trigger add "in 30 minutes" "leave for the station"
  valet trigger add "daily at 9am" "morning briefing"
  valet trigger add "every 15 minutes" "invoice from ACME" --condition
  valet trigger cancel <id>`,
	}

	cmd.AddCommand(
		newTriggerListCmd(),
		newTriggerAddCmd(),
		newTriggerCancelCmd(),
	)
	return cmd
}

func newTriggerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your triggers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newAPIClient(cmd)

			var resp struct {
				Triggers []trigger.Trigger `json:"triggers"`
			}
			path := "/api/v1/triggers?user_id=" + url.QueryEscape(client.userID)
			if err := client.do(http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if len(resp.Triggers) == 0 {
				fmt.Println("No triggers.")
				return nil
			}
			for _, t := range resp.Triggers {
				due := ""
				switch {
				case t.FireAt != nil:
					due = t.FireAt.Local().Format(time.RFC822)
				case t.Schedule != "":
					due = t.Schedule
				}
				fmt.Printf("%s  [%s/%s]  %s  %q\n", t.ID, t.Kind, t.Status, due, t.Payload)
			}
			return nil
		},
	}
}

func newTriggerAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <when> <payload>",
		Short: "Create a trigger",
		Long: `Create a trigger from a natural-language schedule phrase, a Go
duration, or a cron expression. With --condition the payload is a mailbox
search query and the trigger only fires when it matches.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(cmd)
			condition, _ := cmd.Flags().GetBool("condition")

			req := map[string]string{
				"user_id": client.userID,
				"when":    args[0],
				"payload": args[1],
			}
			if condition {
				req["kind"] = string(trigger.KindConditionPoll)
			}

			var created trigger.Trigger
			if err := client.do(http.MethodPost, "/api/v1/triggers", req, &created); err != nil {
				return err
			}
			fmt.Printf("Created %s trigger %s.\n", created.Kind, created.ID)
			return nil
		},
	}
	cmd.Flags().Bool("condition", false, "fire only when the payload matches mailbox contents")
	return cmd
}

func newTriggerCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(cmd)
			if err := client.do(http.MethodDelete, "/api/v1/triggers/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Trigger %s cancelled.\n", args[0])
			return nil
		},
	}
}

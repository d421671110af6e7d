package commands

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/jholhewres/valet/pkg/valet/agent"
)

// newAgentCmd creates the `valet agent` command group.
func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and control execution agents",
		Long: `Inspect running and recent execution agents.

Examples:
  valet agent list
  valet agent status <id>
  valet agent cancel <id>`,
	}

	cmd.AddCommand(
		newAgentListCmd(),
		newAgentStatusCmd(),
		newAgentCancelCmd(),
	)
	return cmd
}

func newAgentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newAPIClient(cmd)

			var resp struct {
				Agents []agent.Instance `json:"agents"`
			}
			path := "/api/v1/agents?user_id=" + url.QueryEscape(client.userID)
			if err := client.do(http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if len(resp.Agents) == 0 {
				fmt.Println("No agents.")
				return nil
			}
			for i := range resp.Agents {
				a := &resp.Agents[i]
				fmt.Printf("%s  %-12s  [%s]  %q\n", a.ID, a.Name, a.State, a.Task)
			}
			return nil
		},
	}
}

func newAgentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show one agent's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(cmd)

			var a agent.Instance
			if err := client.do(http.MethodGet, "/api/v1/agents/"+args[0], nil, &a); err != nil {
				return err
			}
			fmt.Printf("id:      %s\n", a.ID)
			fmt.Printf("name:    %s\n", a.Name)
			fmt.Printf("state:   %s\n", a.State)
			fmt.Printf("rounds:  %d\n", a.Rounds)
			fmt.Printf("task:    %s\n", a.Task)
			if a.Result != "" {
				fmt.Printf("result:  %s\n", a.Result)
			}
			if a.Reason != "" {
				fmt.Printf("reason:  %s\n", a.Reason)
			}
			return nil
		},
	}
}

func newAgentCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(cmd)
			if err := client.do(http.MethodDelete, "/api/v1/agents/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Agent %s is being cancelled; any in-flight call finishes first.\n", args[0])
			return nil
		},
	}
}

package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/thebtf/substrate/pkg/client"
	"github.com/thebtf/substrate/pkg/models"
)

// WorkCmd groups work-queue operations.
func WorkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Drive the work queue",
	}

	process := &cobra.Command{
		Use:   "process",
		Short: "Dispatch one batch of pending tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			// A batch waits on every dispatch, so no request timeout here.
			summary, err := newClient(cmd).ProcessWork(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("process work: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Processed %d: %s completed, %s failed, %d skipped\n",
				summary.Processed,
				okColor.Sprint(summary.Completed),
				failColor(summary.Failed),
				summary.Skipped)
			for _, t := range summary.Tickets {
				line := fmt.Sprintf("  %-36s %s", t.TicketID, statusColor(t.Status))
				if t.Error != "" {
					line += "  " + t.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	process.Flags().Int("limit", 0, "max tickets to claim (0 = worker default)")
	cmd.AddCommand(process)
	return cmd
}

// TicketsCmd lists and creates work tickets.
func TicketsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Manage work tickets",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List work tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			workspace, _ := cmd.Flags().GetString("workspace")
			limit, _ := cmd.Flags().GetInt("limit")
			if status != "" && !models.TicketStatus(status).Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()
			tickets, err := newClient(cmd).ListTickets(ctx, client.TicketQuery{
				WorkspaceID: workspace,
				Status:      models.TicketStatus(status),
				Limit:       limit,
			})
			if err != nil {
				return fmt.Errorf("list tickets: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(tickets) == 0 {
				fmt.Fprintln(out, "No tickets found")
				return nil
			}
			fmt.Fprintf(out, "%-36s %-12s %-10s %-4s %s\n", "ID", "WORKSPACE", "STATUS", "PRI", "TITLE")
			for _, t := range tickets {
				// pad before coloring so escape codes don't break alignment
				fmt.Fprintf(out, "%-36s %-12s %s %-4d %s\n",
					t.ID, t.WorkspaceID,
					statusColor(models.TicketStatus(fmt.Sprintf("%-10s", t.Status))),
					t.Priority, t.Title)
			}
			return nil
		},
	}
	list.Flags().String("status", "", "filter by status (pending, running, completed, failed, cancelled)")
	list.Flags().String("workspace", "", "filter by workspace")
	list.Flags().Int("limit", 50, "max tickets to show")

	create := &cobra.Command{
		Use:   "create [title]",
		Short: "Enqueue a work ticket",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, _ := cmd.Flags().GetString("workspace")
			agent, _ := cmd.Flags().GetString("agent")
			priority, _ := cmd.Flags().GetInt("priority")
			payload, _ := cmd.Flags().GetString("payload")

			ticket := client.NewTicket{
				WorkspaceID: workspace,
				AgentType:   models.AgentType(agent),
				Title:       strings.Join(args, " "),
				Priority:    priority,
			}
			if payload != "" {
				raw, err := readPayload(payload)
				if err != nil {
					return err
				}
				ticket.Payload = raw
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()
			created, err := newClient(cmd).CreateTicket(ctx, ticket)
			if err != nil {
				return fmt.Errorf("create ticket: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Created ticket %s: %s\n", okColor.Sprint("✓"), created.ID, created.Title)
			return nil
		},
	}
	create.Flags().String("workspace", "", "workspace ID")
	create.Flags().String("agent", string(models.AgentResearch), "agent type (research, content, reporting)")
	create.Flags().Int("priority", 0, "priority 0-10, higher runs first")
	create.Flags().String("payload", "", "JSON payload, or @file to read it from a file")
	_ = create.MarkFlagRequired("workspace")

	cmd.AddCommand(list, create)
	return cmd
}

// readPayload accepts inline JSON or @path.
func readPayload(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func statusColor(s models.TicketStatus) string {
	switch models.TicketStatus(strings.TrimSpace(string(s))) {
	case models.TicketCompleted:
		return okColor.Sprint(s)
	case models.TicketFailed:
		return errColor.Sprint(s)
	case models.TicketRunning:
		return warnColor.Sprint(s)
	default:
		return dimColor.Sprint(s)
	}
}

func failColor(n int) string {
	if n > 0 {
		return errColor.Sprint(n)
	}
	return fmt.Sprint(n)
}

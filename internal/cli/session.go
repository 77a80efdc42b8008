package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// SessionCmd starts playthroughs and shows the spark balance.
func SessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start episodes and check sparks",
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start (or resume) an episode",
		RunE: func(cmd *cobra.Command, args []string) error {
			episodeID, _ := cmd.Flags().GetString("episode")

			ctx, cancel := requestContext(cmd)
			defer cancel()
			s, err := newClient(cmd).StartSession(ctx, episodeID)
			if err != nil {
				return fmt.Errorf("start session: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Session %s (%s, turn %d)\n", okColor.Sprint("✓"), s.ID, s.Status, s.TurnCount)
			fmt.Fprintf(out, "  substrate chat --session %s\n", s.ID)
			return nil
		},
	}
	start.Flags().String("episode", "", "episode ID")
	_ = start.MarkFlagRequired("episode")

	sparks := &cobra.Command{
		Use:   "sparks",
		Short: "Show the spark balance and recent transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			s, err := newClient(cmd).Sparks(ctx)
			if err != nil {
				return fmt.Errorf("get sparks: %w", err)
			}

			out := cmd.OutOrStdout()
			balance := 0
			if s.Balance != nil {
				balance = s.Balance.Balance
			}
			fmt.Fprintf(out, "Balance: %s\n", okColor.Sprint(balance))
			for _, tx := range s.Transactions {
				delta := okColor.Sprintf("%+d", tx.Delta)
				if tx.Delta < 0 {
					delta = errColor.Sprintf("%+d", tx.Delta)
				}
				fmt.Fprintf(out, "  %s  %s  %s\n", tx.CreatedAt.Format("2006-01-02 15:04"), delta, tx.Reason)
			}
			return nil
		},
	}

	cmd.AddCommand(start, sparks)
	return cmd
}

// Package cli implements the substrate command line: chat with a session,
// drive the work queue and check on the worker.
package cli

import (
	"context"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebtf/substrate/pkg/client"
)

// requestTimeout bounds non-streaming commands.
const requestTimeout = 30 * time.Second

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	dimColor  = color.New(color.Faint)
	charColor = color.New(color.FgCyan)
	cardColor = color.New(color.FgHiMagenta, color.Bold)
)

// RootCmd builds the substrate command tree.
func RootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "substrate",
		Short:         "Talk to a substrate worker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `substrate drives a running worker: chat with a character session, start
episodes, enqueue and process work tickets, and check worker health.`,
	}

	pf := root.PersistentFlags()
	pf.String("url", envOr("SUBSTRATE_URL", client.DefaultBaseURL), "worker base URL")
	pf.String("user", os.Getenv("SUBSTRATE_USER"), "user ID sent as X-User-ID")
	pf.String("secret", os.Getenv("SUBSTRATE_CRON_SECRET"), "cron secret for service calls")

	root.AddCommand(ChatCmd())
	root.AddCommand(SessionCmd())
	root.AddCommand(WorkCmd())
	root.AddCommand(TicketsCmd())
	root.AddCommand(HealthCmd(version))
	return root
}

// newClient builds a client from the persistent flags.
func newClient(cmd *cobra.Command) *client.Client {
	baseURL, _ := cmd.Flags().GetString("url")
	user, _ := cmd.Flags().GetString("user")
	secret, _ := cmd.Flags().GetString("secret")
	return client.New(baseURL, client.WithUserID(user), client.WithCronSecret(secret))
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

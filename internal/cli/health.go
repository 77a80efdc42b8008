package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thebtf/substrate/pkg/client"
)

// HealthCmd reports worker status and warns on a version mismatch.
func HealthCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the worker is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			out := cmd.OutOrStdout()
			h, err := newClient(cmd).Health(ctx)
			if err != nil {
				if client.IsUnavailable(err) {
					fmt.Fprintln(out, errColor.Sprint("✗ worker unreachable"))
				}
				return fmt.Errorf("health: %w", err)
			}

			status := okColor.Sprint(h.Status)
			if h.Status != "ready" {
				status = warnColor.Sprint(h.Status)
			}
			fmt.Fprintf(out, "Status:  %s\n", status)
			fmt.Fprintf(out, "Version: %s\n", h.Version)
			if h.Uptime != "" {
				fmt.Fprintf(out, "Uptime:  %s\n", h.Uptime)
			}
			if !client.VersionsCompatible(version, h.Version) {
				fmt.Fprintln(out, warnColor.Sprintf("warning: CLI %s does not match worker %s", version, h.Version))
			}
			return nil
		},
	}
}

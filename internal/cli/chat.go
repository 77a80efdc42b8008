package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thebtf/substrate/internal/chatstream"
	"github.com/thebtf/substrate/pkg/client"
	"github.com/thebtf/substrate/pkg/models"
)

// ChatCmd opens a REPL on a session.
func ChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the character of a session",
		Long: `Reads one message per line and streams the character's reply.
Type /quit (or send EOF) to leave.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			return runChat(cmd.Context(), newClient(cmd), sessionID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("session", "", "session ID (from `substrate session start`)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// runChat is the REPL loop. It returns when input ends, the user quits or the
// episode completes.
func runChat(ctx context.Context, c *client.Client, sessionID string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), models.MaxMessageLength*4)

	for {
		fmt.Fprint(out, dimColor.Sprint("> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		finished, err := chatTurn(ctx, c, sessionID, line, out)
		if err != nil {
			switch {
			case errors.Is(err, models.ErrRateLimited):
				fmt.Fprintln(out, warnColor.Sprint("Slow down a little - try again in a moment."))
				continue
			case errors.Is(err, models.ErrInvalidInput):
				fmt.Fprintln(out, warnColor.Sprintf("Message rejected: %v", err))
				continue
			}
			return err
		}
		if finished {
			return nil
		}
	}
}

// chatTurn sends one message and renders its events. It reports whether the
// episode is over.
func chatTurn(ctx context.Context, c *client.Client, sessionID, text string, out io.Writer) (bool, error) {
	stream, err := c.Chat(ctx, sessionID, text)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	started := false
	acc, err := chatstream.Consume(ctx, stream.Reader, chatstream.Handler{
		OnChunk: func(delta string, _ *chatstream.Accumulator) {
			started = true
			fmt.Fprint(out, charColor.Sprint(delta))
		},
		OnInstructionCard: func(card chatstream.InstructionCard) {
			fmt.Fprintf(out, "\n%s\n%s\n", cardColor.Sprint(card.Title), card.Body)
		},
		OnVisualPending: func(ev chatstream.Event) {
			fmt.Fprintln(out, dimColor.Sprintf("\n[a scene is being painted: %s]", ev.SceneID))
		},
		OnNeedsSparks: func(ev chatstream.Event) {
			fmt.Fprintln(out, warnColor.Sprintf("You need %d spark(s) to continue; balance is %d.", ev.Cost, ev.Balance))
		},
		OnEpisodeComplete: func(ev chatstream.Event) {
			msg := fmt.Sprintf("\nEpisode complete after %d turns.", ev.TurnCount)
			if ev.NextEpisodeID != "" {
				msg += fmt.Sprintf(" Next: substrate session start --episode %s", ev.NextEpisodeID)
			}
			fmt.Fprintln(out, okColor.Sprint(msg))
		},
		OnError: func(ev chatstream.Event) {
			fmt.Fprintln(out, errColor.Sprintf("\n[error: %s]", ev.Error))
		},
	})
	if started {
		fmt.Fprintln(out)
	}
	if err != nil {
		return false, fmt.Errorf("read reply: %w", err)
	}
	return acc.Complete != nil, nil
}

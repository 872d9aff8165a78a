package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shipd/ship/internal/bus"
)

func chatCmd() *cobra.Command {
	var contextID string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message through the agent loop and print the reply",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runChat(contextID, args[0], timeout)
		},
	}
	cmd.Flags().StringVar(&contextID, "context", "local:cli", "conversation context id")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	return cmd
}

func runChat(contextID, text string, timeout time.Duration) {
	setupLogging()
	layout := resolveLayout()
	cfg, err := loadConfig(layout)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	done := make(chan string, 1)
	var deliver bus.DeliverFunc = func(msg bus.OutboundMessage) {
		select {
		case done <- msg.Text:
		default:
		}
	}
	var sendAction bus.SendActionFunc

	rt, err := buildRuntime(layout, cfg, &deliver, &sendAction)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer rt.close()

	err = rt.mgr.Enqueue(bus.InboundMessage{
		ContextID: contextID,
		Text:      text,
		Channel:   "cli",
		TargetID:  "stdout",
		ActorID:   "cli",
	})
	if err != nil {
		slog.Error("enqueue failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	select {
	case reply := <-done:
		fmt.Println(reply)
	case <-ctx.Done():
		slog.Error("no reply before timeout")
		os.Exit(1)
	}
}

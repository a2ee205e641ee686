package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-leida/internal/ipc"
	"github.com/e7canasta/orion-leida/internal/trigger"
)

var triggerEvery time.Duration

var triggerCmd = &cobra.Command{
	Use:   "trigger [token...]",
	Short: "Write trigger tokens to the inbound pipe",
	Long: `Write trigger tokens to the inbound pipe, as the host application would.

Without arguments it sends "leida_", which starts every channel. With
--every the tokens are re-sent periodically until interrupted.

Examples:
  leidad trigger leida_cam1
  leidad trigger stop_all
  leidad trigger --every 5s`,
	RunE: runTrigger,
}

func init() {
	triggerCmd.Flags().DurationVar(&triggerEvery, "every", 0, "repeat the tokens at this interval")
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tokens := args
	if len(tokens) == 0 {
		tokens = []string{trigger.StartAllToken}
	}
	parser := trigger.NewParser(cfg.ChannelIDs())
	for _, tok := range tokens {
		if len(parser.Parse(tok)) == 0 {
			return fmt.Errorf("%q is not a trigger for channels %v (known tokens: %v)", tok, cfg.ChannelIDs(), parser.Tokens())
		}
	}

	path := cfg.IPC.InboundPath
	send := func() error {
		w, err := ipc.OpenWriter(path)
		if err != nil {
			return err
		}
		defer w.Close()
		for _, tok := range tokens {
			if err := w.WriteAndFlush([]byte(tok)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s sent %s\n", time.Now().Format(time.TimeOnly), tok)
		}
		return nil
	}

	if triggerEvery <= 0 {
		return send()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ticker := time.NewTicker(triggerEvery)
	defer ticker.Stop()
	for {
		if err := send(); err != nil {
			slog.Warn("trigger not delivered", "path", path, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

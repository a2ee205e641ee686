package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-leida/internal/ipc"
	"github.com/e7canasta/orion-leida/internal/report"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print results arriving on the outbound pipe",
	Long: `Open the outbound pipe as the host application would and print every
result message until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runListen,
}

func init() {
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	r, err := ipc.OpenReader(cfg.IPC.OutboundPath)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s\n", cfg.IPC.OutboundPath)
	return listen(ctx, r, cmd.OutOrStdout(), cfg.IPC.ReadWait)
}

func listen(ctx context.Context, r *ipc.Reader, out io.Writer, wait time.Duration) error {
	var pending []byte
	for ctx.Err() == nil {
		ready, err := r.Wait(wait)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		b, err := r.ReadAvailable()
		if err != nil {
			return err
		}
		var msgs []string
		msgs, pending = report.SplitMessages(append(pending, b...))
		for _, msg := range msgs {
			ts := time.Now().Format(time.TimeOnly)
			if id, ok := report.ParseMessage(msg); ok && id != "" {
				fmt.Fprintf(out, "%s person detected on %s\n", ts, id)
			} else if ok {
				fmt.Fprintf(out, "%s person detected\n", ts)
			} else {
				fmt.Fprintf(out, "%s unknown message %q\n", ts, msg)
			}
		}
	}
	return nil
}

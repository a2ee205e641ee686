package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-leida/internal/ipc"
	"github.com/e7canasta/orion-leida/internal/report"
)

// executeCommand runs a cobra command with args and returns captured output.
func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// writeConfig writes a two-channel config whose pipes live in a temp dir.
func writeConfig(t *testing.T) (path, inbound, outbound string) {
	t.Helper()
	dir := t.TempDir()
	inbound = filepath.Join(dir, "send_PYTHON")
	outbound = filepath.Join(dir, "rece_PYTHON")
	body := fmt.Sprintf(`
channels:
  - id: front
    source: /dev/video1
  - id: back
    source: /dev/video3
ipc:
  inbound_path: %s
  outbound_path: %s
logging:
  level: warn
  format: text
`, inbound, outbound)
	path = filepath.Join(dir, "leidad.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, inbound, outbound
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "leidad" {
		t.Errorf("rootCmd.Use = %q", rootCmd.Use)
	}
	cmds := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		cmds[c.Name()] = true
	}
	for _, want := range []string{"run", "trigger", "listen", "config", "events"} {
		if !cmds[want] {
			t.Errorf("missing subcommand %q", want)
		}
	}
}

func TestCommands(t *testing.T) {
	cfgPath, inbound, _ := writeConfig(t)

	t.Run("config show", func(t *testing.T) {
		out, err := executeCommand(rootCmd, "config", "show", "--config", cfgPath)
		if err != nil {
			t.Fatalf("config show: %v\n%s", err, out)
		}
		for _, want := range []string{"channels:", "id: front", "inbound_path: " + inbound, "timeout: 10s"} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("trigger", func(t *testing.T) {
		r, err := ipc.OpenReader(inbound)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()

		out, err := executeCommand(rootCmd, "trigger", "--config", cfgPath, "leida_front", "stop_all")
		if err != nil {
			t.Fatalf("trigger: %v\n%s", err, out)
		}
		var got []byte
		deadline := time.Now().Add(time.Second)
		for !bytes.Contains(got, []byte("stop_all")) && time.Now().Before(deadline) {
			if ok, _ := r.Wait(20 * time.Millisecond); ok {
				b, _ := r.ReadAvailable()
				got = append(got, b...)
			}
		}
		if string(got) != "leida_frontstop_all" {
			t.Errorf("pipe received %q", got)
		}
	})

	t.Run("trigger rejects unknown token", func(t *testing.T) {
		if _, err := executeCommand(rootCmd, "trigger", "--config", cfgPath, "hello"); err == nil {
			t.Error("expected an error for a token that matches no trigger")
		}
	})

	t.Run("events without journal", func(t *testing.T) {
		if _, err := executeCommand(rootCmd, "events", "--config", cfgPath); err == nil {
			t.Error("expected an error when journal.path is unset")
		}
	})
}

func TestListen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rece_PYTHON")
	r, err := ipc.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	w, err := ipc.OpenWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.WriteAndFlush(report.Message("front", false))
	w.WriteAndFlush([]byte("person_ba"))
	w.WriteAndFlush([]byte("ck\x00person\x00"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	if err := listen(ctx, r, &out, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), out.String())
	}
	for i, want := range []string{"person detected on front", "person detected on back", "person detected"} {
		if !strings.HasSuffix(lines[i], want) {
			t.Errorf("line %d = %q, want suffix %q", i, lines[i], want)
		}
	}
}

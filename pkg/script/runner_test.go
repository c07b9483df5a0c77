package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/config"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func TestRunnerRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	dir := t.TempDir()
	writeScript(t, dir, "ok.sh", "echo \"$1 $2\" > out.txt\n")
	writeScript(t, dir, "fail.sh", "echo broken >&2\nexit 3\n")
	writeScript(t, dir, "slow.sh", "exec sleep 5\n")

	r := NewRunner(config.ScriptsConfig{Command: "sh", Dir: dir, Timeout: 200 * time.Millisecond})
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		if err := r.Run(ctx, "ok.sh", "2024-01-01", "2024-01-02"); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
		if err != nil {
			t.Fatalf("script did not run in its directory: %v", err)
		}
		if strings.TrimSpace(string(data)) != "2024-01-01 2024-01-02" {
			t.Errorf("unexpected args: %q", data)
		}
	})

	t.Run("ExitCode", func(t *testing.T) {
		err := r.Run(ctx, "fail.sh")
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("expected ExitError, got %v", err)
		}
		if exitErr.Code != 3 || !strings.Contains(exitErr.Output, "broken") {
			t.Errorf("unexpected exit error: %+v", exitErr)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		err := r.Run(ctx, "slow.sh")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})

	t.Run("BadName", func(t *testing.T) {
		if err := r.Run(ctx, "../etc/passwd"); err == nil {
			t.Error("expected path traversal to be rejected")
		}
	})
}

//go:build !windows

package runner

import (
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestIsolateProcessGroup_KillsGrandchildren(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// the background sleep stands in for a tool process the agent spawned
	cmd := exec.CommandContext(ctx, "sh", "-c", "sleep 60 & sleep 60")
	isolateProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid

	cancel()
	_ = cmd.Wait()
	time.Sleep(50 * time.Millisecond)

	if err := syscall.Kill(-pid, 0); err == nil {
		t.Errorf("process group %d still alive after cancel", pid)
	}
}

func TestIsolateProcessGroup_WaitReturnsWhenPipeHeld(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", "sleep 60 & sleep 60")
	isolateProcessGroup(cmd)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Output()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(pipeDrainGrace + 5*time.Second):
		t.Fatal("Output did not return after timeout")
	}
}

func TestIsolateProcessGroup_Attributes(t *testing.T) {
	cmd := exec.Command("echo", "test")
	isolateProcessGroup(cmd)

	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Error("Setpgid not set")
	}
	if cmd.Cancel == nil {
		t.Error("Cancel not set")
	}
	if cmd.WaitDelay != pipeDrainGrace {
		t.Errorf("WaitDelay: got %v", cmd.WaitDelay)
	}
	// never started: Cancel must not panic
	if err := cmd.Cancel(); err != nil {
		t.Errorf("expected nil error for nil process, got %v", err)
	}
}

func TestIsolateProcessGroup_NormalExit(t *testing.T) {
	cmd := exec.CommandContext(context.Background(), "echo", "hello")
	isolateProcessGroup(cmd)

	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("expected clean exit, got: %v", err)
	}
	if string(out) != "hello\n" {
		t.Errorf("got %q", out)
	}
}

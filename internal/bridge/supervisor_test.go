package bridge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zapmail/internal/domain"
)

func testSupervisor(t *testing.T, command []string) *Supervisor {
	t.Helper()
	return NewSupervisor(SupervisorConfig{
		SessionDir:  t.TempDir(),
		Command:     command,
		LaunchGrace: 100 * time.Millisecond,
		StopTimeout: 2 * time.Second,
		Logger:      testLogger(),
	})
}

func TestSupervisor_StartStop(t *testing.T) {
	s := testSupervisor(t, []string{"sleep", "30"})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Running() {
		t.Fatal("expected running after Start")
	}
	if s.PID() == 0 {
		t.Fatal("expected non-zero PID")
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Running() {
		t.Fatal("expected stopped after Stop")
	}
}

func TestSupervisor_StartIdempotent(t *testing.T) {
	s := testSupervisor(t, []string{"sleep", "30"})
	defer s.Stop(context.Background())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	pid := s.PID()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start should be a no-op: %v", err)
	}
	if s.PID() != pid {
		t.Fatalf("second Start must not relaunch: pid %d != %d", s.PID(), pid)
	}
}

func TestSupervisor_LaunchFailure(t *testing.T) {
	s := testSupervisor(t, []string{"sh", "-c", "echo boom >&2; exit 1"})

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected launch failure")
	}
	if domain.KindOf(err) != domain.ErrLaunch {
		t.Fatalf("expected launch error, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("launch error should carry process output, got %q", err.Error())
	}
	if s.Running() {
		t.Fatal("failed launch must not leave supervisor running")
	}
}

func TestSupervisor_MissingBinaryIsLaunchError(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{
		SessionDir:  t.TempDir(),
		NodeBin:     "definitely-not-a-real-binary-zapmail",
		LaunchGrace: 100 * time.Millisecond,
		Logger:      testLogger(),
	})

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if domain.KindOf(err) != domain.ErrLaunch {
		t.Fatalf("expected launch error, got %v", err)
	}
}

func TestSupervisor_StopWhenNotRunning(t *testing.T) {
	s := testSupervisor(t, []string{"sleep", "30"})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on stopped supervisor should be a no-op: %v", err)
	}
}

func TestSupervisor_CancelledStartKillsProcess(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{
		SessionDir:  t.TempDir(),
		Command:     []string{"sleep", "30"},
		LaunchGrace: 10 * time.Second,
		Logger:      testLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Start(ctx)
	if err == nil {
		t.Fatal("expected context error")
	}
	if s.Running() {
		t.Fatal("cancelled launch must not leave a process behind")
	}
}

func TestSupervisor_RunningReflectsProcessExit(t *testing.T) {
	s := testSupervisor(t, []string{"sh", "-c", "sleep 0.3"})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Running() {
		t.Fatal("expected running right after start")
	}

	deadline := time.Now().Add(3 * time.Second)
	for s.Running() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if s.Running() {
		t.Fatal("supervisor should notice the process exited")
	}
}

// --- Script materialization ---

func TestSupervisor_WritesCompanionScript(t *testing.T) {
	dir := t.TempDir()
	s := NewSupervisor(SupervisorConfig{
		SessionDir:  dir,
		Command:     []string{"sleep", "30"},
		LaunchGrace: 100 * time.Millisecond,
		Logger:      testLogger(),
	})
	defer s.Stop(context.Background())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, scriptName))
	if err != nil {
		t.Fatalf("companion script not written: %v", err)
	}
	if !strings.Contains(string(data), "whatsapp-web.js") {
		t.Fatal("script content looks wrong")
	}
}

func TestSupervisor_KeepsExistingScript(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("// locally patched\n")
	if err := os.WriteFile(filepath.Join(dir, scriptName), custom, 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewSupervisor(SupervisorConfig{
		SessionDir:  dir,
		Command:     []string{"sleep", "30"},
		LaunchGrace: 100 * time.Millisecond,
		Logger:      testLogger(),
	})
	defer s.Stop(context.Background())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, scriptName))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(custom) {
		t.Fatal("existing script must not be overwritten")
	}
}

// --- tailBuffer ---

func TestTailBuffer_KeepsTail(t *testing.T) {
	tb := newTailBuffer(8)
	tb.Write([]byte("0123456789abcdef"))
	if got := tb.String(); got != "89abcdef" {
		t.Fatalf("expected last 8 bytes, got %q", got)
	}
}

func TestTailBuffer_SmallWrites(t *testing.T) {
	tb := newTailBuffer(64)
	tb.Write([]byte("hello "))
	tb.Write([]byte("world"))
	if got := tb.String(); got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

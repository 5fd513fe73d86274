package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"zapmail/internal/domain"
)

const (
	scriptName         = "whatsapp_service.js"
	defaultLaunchGrace = 3 * time.Second
	defaultStopTimeout = 5 * time.Second
	outputTailCap      = 8 * 1024
)

// Supervisor owns the companion process lifecycle. Exactly one companion
// runs per supervisor; Start and Stop are serialized by a mutex.
type Supervisor struct {
	nodeBin     string
	sessionDir  string
	port        int
	launchGrace time.Duration
	stopTimeout time.Duration
	command     []string
	logger      *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
	tail   *tailBuffer
}

type SupervisorConfig struct {
	NodeBin     string        // node binary (default "node", resolved via PATH)
	SessionDir  string        // working dir; also holds the WhatsApp session data
	Port        int           // port handed to the companion (default 3001)
	LaunchGrace time.Duration // how long the companion gets to come up (default 3s)
	StopTimeout time.Duration // SIGTERM grace before SIGKILL (default 5s)
	Command     []string      // override the launch command (default: <node> <script>)
	Logger      *slog.Logger
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.NodeBin == "" {
		cfg.NodeBin = "node"
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LaunchGrace <= 0 {
		cfg.LaunchGrace = defaultLaunchGrace
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Supervisor{
		nodeBin:     cfg.NodeBin,
		sessionDir:  cfg.SessionDir,
		port:        cfg.Port,
		launchGrace: cfg.LaunchGrace,
		stopTimeout: cfg.StopTimeout,
		command:     cfg.Command,
		logger:      cfg.Logger,
	}
}

// Start launches the companion process and waits the launch grace period.
// A companion that exits within the grace period is a launch failure.
// Start on a running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningLocked() {
		return nil
	}

	if err := os.MkdirAll(s.sessionDir, 0o755); err != nil {
		return domain.NewSendError(domain.ErrLaunch, "cannot create session directory %s: %v", s.sessionDir, err)
	}
	scriptPath, err := s.ensureScript()
	if err != nil {
		return domain.NewSendError(domain.ErrLaunch, "cannot write companion script: %v", err)
	}

	var cmd *exec.Cmd
	if len(s.command) > 0 {
		cmd = exec.Command(s.command[0], s.command[1:]...)
	} else {
		bin, err := exec.LookPath(s.nodeBin)
		if err != nil {
			return domain.NewSendError(domain.ErrLaunch, "node runtime not found: %v", err)
		}
		cmd = exec.Command(bin, scriptPath)
	}

	tail := newTailBuffer(outputTailCap)
	cmd.Dir = s.sessionDir
	cmd.Env = append(os.Environ(),
		"PORT="+strconv.Itoa(s.port),
		"SESSION_DIR="+s.sessionDir,
	)
	cmd.Stdout = tail
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return domain.NewSendError(domain.ErrLaunch, "cannot start companion: %v", err)
	}

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	s.logger.Info("companion starting", "pid", cmd.Process.Pid, "port", s.port, "dir", s.sessionDir)

	select {
	case <-exited:
		return domain.NewSendError(domain.ErrLaunch,
			"companion exited during launch: %s", tail.String())
	case <-ctx.Done():
		cmd.Process.Kill()
		<-exited
		return ctx.Err()
	case <-time.After(s.launchGrace):
	}

	s.cmd = cmd
	s.exited = exited
	s.tail = tail
	s.logger.Info("companion up", "pid", cmd.Process.Pid)
	return nil
}

// Stop terminates the companion: SIGTERM, bounded wait, then SIGKILL.
// Stopping a stopped supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	defer func() {
		s.cmd = nil
		s.exited = nil
		s.tail = nil
	}()

	select {
	case <-s.exited:
		return nil
	default:
	}

	pid := s.cmd.Process.Pid
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("companion SIGTERM failed", "pid", pid, "err", err)
	}

	select {
	case <-s.exited:
		s.logger.Info("companion stopped", "pid", pid)
		return nil
	case <-time.After(s.stopTimeout):
	case <-ctx.Done():
	}

	s.logger.Warn("companion did not exit, killing", "pid", pid)
	if err := s.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill companion pid %d: %w", pid, err)
	}
	<-s.exited
	return nil
}

// Running reports whether the companion process is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

// PID returns the companion process ID, 0 when not running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.runningLocked() {
		return 0
	}
	return s.cmd.Process.Pid
}

// OutputTail returns the last chunk of companion output, for diagnostics.
func (s *Supervisor) OutputTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tail == nil {
		return ""
	}
	return s.tail.String()
}

// caller holds s.mu
func (s *Supervisor) runningLocked() bool {
	if s.cmd == nil || s.exited == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// ensureScript materializes the embedded companion script into the session
// directory. An existing script is left alone so local edits survive.
func (s *Supervisor) ensureScript() (string, error) {
	path := filepath.Join(s.sessionDir, scriptName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, companionScript, 0o644); err != nil {
		return "", err
	}
	s.logger.Info("companion script written", "path", path)
	return path, nil
}

// tailBuffer keeps the last cap bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	cap int
	buf []byte
}

func newTailBuffer(cap int) *tailBuffer {
	return &tailBuffer{cap: cap}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.cap {
		t.buf = t.buf[len(t.buf)-t.cap:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

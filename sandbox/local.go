package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that are not passed to sandbox commands.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always passed through.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"NVM_DIR": true, "NPM_CONFIG_PREFIX": true, "NODE_PATH": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// filterEnvironment returns the process environment without sensitive
// variables.
func filterEnvironment() []string {
	var filtered []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// LocalProvider creates sandboxes as directories under a root directory and
// runs their commands with bash on this machine.
type LocalProvider struct {
	root      string
	templates string
	hostname  string
}

var _ Provider = (*LocalProvider)(nil)

// LocalOption configures a LocalProvider.
type LocalOption func(*LocalProvider)

// WithTemplateDir sets the directory that holds templates. A template named
// t is copied from <dir>/t into each new sandbox; a missing template yields
// an empty sandbox.
func WithTemplateDir(dir string) LocalOption {
	return func(p *LocalProvider) { p.templates = dir }
}

// WithHostname overrides the host name reported by Sandbox.Host.
func WithHostname(name string) LocalOption {
	return func(p *LocalProvider) {
		if name != "" {
			p.hostname = name
		}
	}
}

// NewLocalProvider returns a provider rooted at root.
func NewLocalProvider(root string, opts ...LocalOption) *LocalProvider {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	p := &LocalProvider{root: root, hostname: "localhost"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *LocalProvider) Create(ctx context.Context, template string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "sbx-" + uuid.NewString()
	dir := filepath.Join(p.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox dir: %w", err)
	}
	if p.templates != "" && template != "" {
		src := filepath.Join(p.templates, template)
		if info, err := os.Stat(src); err == nil && info.IsDir() {
			if err := copyTree(src, dir); err != nil {
				return "", fmt.Errorf("copy template %q: %w", template, err)
			}
		}
	}
	return id, nil
}

func (p *LocalProvider) Connect(ctx context.Context, id string) (Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	dir := filepath.Join(p.root, id)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return &localSandbox{id: id, dir: dir, hostname: p.hostname}, nil
}

type localSandbox struct {
	id       string
	dir      string
	hostname string
}

func (s *localSandbox) ID() string { return s.id }

func (s *localSandbox) Host(port int) string {
	return s.hostname + ":" + strconv.Itoa(port)
}

func (s *localSandbox) resolvePath(path string) (string, error) {
	// Absolute paths are rooted at the sandbox directory.
	resolved := filepath.Join(s.dir, path)
	if resolved != s.dir && !strings.HasPrefix(resolved, s.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the sandbox", path)
	}
	return resolved, nil
}

func (s *localSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resolved, err := s.resolvePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func (s *localSandbox) WriteFile(ctx context.Context, path, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved, err := s.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("write %s: create directory: %w", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *localSandbox) Run(ctx context.Context, command string, opts CommandOptions) (*CommandResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", command)
	cmd.Dir = s.dir

	// Own process group so a timeout can kill everything the command spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Children that inherited stdout/stderr can keep the pipes open after
	// the group is killed; stop waiting for them after WaitDelay.
	cmd.WaitDelay = commandWaitDelay

	env := filterEnvironment()
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &streamWriter{buf: &stdout, fn: opts.OnStdout}
	cmd.Stderr = &streamWriter{buf: &stderr, fn: opts.OnStderr}

	err := cmd.Run()
	result := &CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &CommandExitError{
			Command: command, ExitCode: -1, TimedOut: true,
			Stdout: result.Stdout, Stderr: result.Stderr,
		}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, &CommandExitError{
			Command: command, ExitCode: exitErr.ExitCode(),
			Stdout: result.Stdout, Stderr: result.Stderr,
		}
	}
	return nil, fmt.Errorf("run command: %w", err)
}

const commandWaitDelay = 2 * time.Second

// streamWriter tees command output into a buffer and an optional callback.
type streamWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
	fn  func(string)
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.fn != nil {
		w.fn(string(p))
	}
	return len(p), nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		info, err := d.Info()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/martinemde/sandcastle/liveness"
	"github.com/martinemde/sandcastle/sandbox"
)

// ServerConfig describes the dev server inside a sandbox.
type ServerConfig struct {
	Port           int
	InstallCommand string
	StartCommand   string
	// LogPath receives the detached server's stdout and stderr. Relative
	// paths resolve against the sandbox working directory.
	LogPath string
	// InstallTimeout bounds the install command.
	InstallTimeout time.Duration
	// ProbeTimeout bounds one HTTP status check.
	ProbeTimeout time.Duration
}

// DefaultServerConfig returns settings for a Node dev server on port 3000.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           3000,
		InstallCommand: "npm install",
		StartCommand:   "npm run dev",
		LogPath:        "dev-server.log",
		InstallTimeout: 5 * time.Minute,
		ProbeTimeout:   5 * time.Second,
	}
}

// AcceptedStatus reports whether an HTTP status means the server is up.
// 404 counts: the server answered even though it has no root route.
func AcceptedStatus(code int) bool {
	return code == 200 || code == 404
}

func statusCommand(cfg ServerConfig) string {
	secs := int(cfg.ProbeTimeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("curl -s -o /dev/null -w '%%{http_code}' --max-time %d http://localhost:%d", secs, cfg.Port)
}

// checkHTTPStatus requests the server root once from inside the sandbox. A
// status of 0 means nothing answered.
func checkHTTPStatus(ctx context.Context, sb sandbox.Sandbox, cfg ServerConfig) (int, error) {
	res, err := sb.Run(ctx, statusCommand(cfg), sandbox.CommandOptions{Timeout: cfg.ProbeTimeout + 5*time.Second})
	var stdout string
	var exitErr *sandbox.CommandExitError
	switch {
	case errors.As(err, &exitErr) && !exitErr.TimedOut:
		// curl exits non-zero when the connection is refused but still
		// prints 000.
		stdout = exitErr.Stdout
	case err != nil:
		return 0, fmt.Errorf("check status: %w", err)
	default:
		stdout = res.Stdout
	}
	out := strings.TrimSpace(stdout)
	code, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("check status: unexpected curl output %q", out)
	}
	return code, nil
}

// serverProbe adapts checkHTTPStatus to the liveness prober.
func serverProbe(sb sandbox.Sandbox, cfg ServerConfig) liveness.ProbeFunc {
	return func(ctx context.Context) (bool, error) {
		code, err := checkHTTPStatus(ctx, sb, cfg)
		if err != nil {
			return false, err
		}
		return AcceptedStatus(code), nil
	}
}

// serverBootstrap installs dependencies and launches the configured start
// command.
func serverBootstrap(sb sandbox.Sandbox, cfg ServerConfig) liveness.BootstrapFunc {
	return func(ctx context.Context) error {
		_, err := startServer(ctx, sb, cfg, cfg.StartCommand, true)
		return err
	}
}

// startServer optionally runs the install command, then launches command
// detached with its output redirected to cfg.LogPath. It returns the pid of
// the launched process.
func startServer(ctx context.Context, sb sandbox.Sandbox, cfg ServerConfig, command string, install bool) (int, error) {
	if strings.TrimSpace(command) == "" {
		return 0, errors.New("no start command configured")
	}
	if install && cfg.InstallCommand != "" {
		if _, err := sb.Run(ctx, cfg.InstallCommand, sandbox.CommandOptions{Timeout: cfg.InstallTimeout}); err != nil {
			return 0, fmt.Errorf("install dependencies: %w", err)
		}
	}
	launch := fmt.Sprintf("nohup sh -c %s > %s 2>&1 & echo $!", shellQuote(command), shellQuote(cfg.LogPath))
	res, err := sb.Run(ctx, launch, sandbox.CommandOptions{Timeout: 30 * time.Second})
	if err != nil {
		return 0, fmt.Errorf("launch server: %w", err)
	}
	pid, err := lastLineInt(res.Stdout)
	if err != nil {
		return 0, fmt.Errorf("launch server: read pid: %w", err)
	}
	return pid, nil
}

func lastLineInt(s string) (int, error) {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	n, err := strconv.Atoi(last)
	if err != nil {
		return 0, fmt.Errorf("unexpected output %q", last)
	}
	return n, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path"
	"strconv"
	"sync"
)

// CommandHandler produces the outcome of a command run in a MemorySandbox.
type CommandHandler func(command string) (*CommandResult, error)

// MemoryProvider is an in-process Provider whose sandboxes keep files in a
// map and answer commands through a CommandHandler. It is meant for tests
// and dry runs.
type MemoryProvider struct {
	mu        sync.Mutex
	sandboxes map[string]*MemorySandbox
	order     []string
	templates []string

	createErr  error
	connectErr error
	handler    CommandHandler
	writeErrs  map[string]error
}

var _ Provider = (*MemoryProvider)(nil)

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		sandboxes: map[string]*MemorySandbox{},
		writeErrs: map[string]error{},
	}
}

// FailCreate makes every later Create call fail with err.
func (p *MemoryProvider) FailCreate(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErr = err
}

// FailConnect makes every later Connect call fail with err.
func (p *MemoryProvider) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// HandleCommands sets the handler used by all sandboxes of this provider.
func (p *MemoryProvider) HandleCommands(h CommandHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// FailWrites makes writes to path fail with err in every sandbox.
func (p *MemoryProvider) FailWrites(path string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErrs[cleanPath(path)] = err
}

// Created returns the templates passed to successful Create calls, in order.
func (p *MemoryProvider) Created() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.templates...)
}

// Sandbox returns the sandbox with the given ID, or nil.
func (p *MemoryProvider) Sandbox(id string) *MemorySandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sandboxes[id]
}

func (p *MemoryProvider) Create(ctx context.Context, template string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	id := "mem-" + strconv.Itoa(len(p.order)+1)
	p.sandboxes[id] = &MemorySandbox{id: id, provider: p, files: map[string]string{}}
	p.order = append(p.order, id)
	p.templates = append(p.templates, template)
	return id, nil
}

func (p *MemoryProvider) Connect(ctx context.Context, id string) (Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	sb, ok := p.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return sb, nil
}

// MemorySandbox is the Sandbox handed out by MemoryProvider.
type MemorySandbox struct {
	id       string
	provider *MemoryProvider

	mu       sync.Mutex
	files    map[string]string
	commands []string
}

func (s *MemorySandbox) ID() string { return s.id }

func (s *MemorySandbox) Host(port int) string {
	return s.id + "-" + strconv.Itoa(port) + ".sandbox.local"
}

func (s *MemorySandbox) Run(ctx context.Context, command string, opts CommandOptions) (*CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	s.provider.mu.Lock()
	h := s.provider.handler
	s.provider.mu.Unlock()

	if h == nil {
		return &CommandResult{}, nil
	}
	res, err := h(command)

	stdout, stderr := "", ""
	var exitErr *CommandExitError
	switch {
	case res != nil:
		stdout, stderr = res.Stdout, res.Stderr
	case errors.As(err, &exitErr):
		stdout, stderr = exitErr.Stdout, exitErr.Stderr
	}
	if stdout != "" && opts.OnStdout != nil {
		opts.OnStdout(stdout)
	}
	if stderr != "" && opts.OnStderr != nil {
		opts.OnStderr(stderr)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &CommandResult{}
	}
	return res, nil
}

func (s *MemorySandbox) ReadFile(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[cleanPath(p)]
	if !ok {
		return "", fmt.Errorf("read %s: %w", p, os.ErrNotExist)
	}
	return content, nil
}

func (s *MemorySandbox) WriteFile(ctx context.Context, p, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := cleanPath(p)

	s.provider.mu.Lock()
	werr := s.provider.writeErrs[key]
	s.provider.mu.Unlock()
	if werr != nil {
		return fmt.Errorf("write %s: %w", p, werr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = content
	return nil
}

// Files returns a copy of the sandbox's files.
func (s *MemorySandbox) Files() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.files)
}

// Commands returns every command run so far, in order.
func (s *MemorySandbox) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}

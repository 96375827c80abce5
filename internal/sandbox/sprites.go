package sandbox

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
)

const (
	spriteStepTimeout     = 120 * time.Second
	spriteHealthTimeout   = 15 * time.Second
	spriteHealthRetryWait = 500 * time.Millisecond
)

// spriteProxy tracks an active port-forwarding session to a sprite.
type spriteProxy struct {
	spriteName string
	localPort  int
	session    *sprites.ProxySession
}

// SpritesProvisioner runs conversation runtimes in Sprites.dev remote
// sandboxes. The runtime is reached through a local port-forward, so the
// gateway talks to 127.0.0.1 regardless of where the sprite runs.
type SpritesProvisioner struct {
	token  string
	prefix string
	logger *logger.Logger

	mu      sync.Mutex
	proxies map[string]*spriteProxy
}

// NewSpritesProvisioner creates a Sprites-backed provisioner.
func NewSpritesProvisioner(cfg config.SandboxConfig, log *logger.Logger) (*SpritesProvisioner, error) {
	if cfg.SpritesToken == "" {
		return nil, fmt.Errorf("sprites token not configured")
	}
	prefix := cfg.SpritesPrefix
	if prefix == "" {
		prefix = "relay-"
	}
	return &SpritesProvisioner{
		token:   cfg.SpritesToken,
		prefix:  prefix,
		logger:  log.WithFields(zap.String("sandbox", "sprites")),
		proxies: make(map[string]*spriteProxy),
	}, nil
}

func (p *SpritesProvisioner) Name() string { return "sprites" }

// HealthCheck verifies the API token by listing sprites.
func (p *SpritesProvisioner) HealthCheck(ctx context.Context) error {
	client := sprites.New(p.token, sprites.WithDisableControl())
	defer func() { _ = client.Close() }()

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := client.ListSprites(reqCtx, nil); err != nil {
		return fmt.Errorf("failed to list sprites: %w", err)
	}
	return nil
}

// StartSandbox materializes a sprite, prepares its workspace, launches the
// runtime process, and forwards a local port to it.
// Sequence: create, clone repository, setup script, start runtime, health
// check, port-forward.
func (p *SpritesProvisioner) StartSandbox(ctx context.Context, spec *Spec) (*Sandbox, error) {
	name := sandboxName(p.prefix, spec.ConversationID)
	client := sprites.New(p.token)
	sprite := client.Sprite(name)

	p.logger.Info("starting sprite sandbox",
		zap.String("conversation_id", spec.ConversationID),
		zap.String("sprite", name))

	if err := p.materialize(ctx, sprite, name); err != nil {
		p.cleanupOnFailure(sprite, spec.ConversationID)
		return nil, err
	}
	if err := p.prepareWorkspace(ctx, sprite, spec); err != nil {
		p.cleanupOnFailure(sprite, spec.ConversationID)
		return nil, err
	}
	if err := p.runSetupScript(ctx, sprite, spec); err != nil {
		p.cleanupOnFailure(sprite, spec.ConversationID)
		return nil, err
	}

	sessionKey := uuid.New().String()
	if err := p.startRuntime(sprite, spec, sessionKey); err != nil {
		p.cleanupOnFailure(sprite, spec.ConversationID)
		return nil, err
	}
	if err := p.waitForHealth(ctx, sprite); err != nil {
		p.cleanupOnFailure(sprite, spec.ConversationID)
		return nil, err
	}

	localPort, err := p.forwardPort(ctx, sprite, name)
	if err != nil {
		p.cleanupOnFailure(sprite, spec.ConversationID)
		return nil, err
	}

	runtimeURL := fmt.Sprintf("http://127.0.0.1:%d", localPort)
	p.logger.Info("sprite sandbox ready",
		zap.String("sprite", name),
		zap.Int("local_port", localPort))

	return &Sandbox{
		ID:            name,
		Status:        "running",
		RuntimeID:     name,
		RuntimeURL:    runtimeURL,
		SessionAPIKey: sessionKey,
		WorkspacePath: "/workspace",
		ExposedURLs:   map[string]string{"runtime": runtimeURL},
	}, nil
}

// StopSandbox closes the port-forward and destroys the sprite.
func (p *SpritesProvisioner) StopSandbox(_ context.Context, sb *Sandbox) error {
	p.closeProxy(sb.ID)

	client := sprites.New(p.token)
	sprite := client.Sprite(sb.ID)
	if err := sprite.Destroy(); err != nil {
		return fmt.Errorf("failed to destroy sprite %q: %w", sb.ID, err)
	}
	p.logger.Info("sprite destroyed", zap.String("sprite", sb.ID))
	return nil
}

// Close tears down all active port-forwards. Sprites themselves keep running;
// tunnels do not survive process restarts.
func (p *SpritesProvisioner) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, proxy := range p.proxies {
		if proxy.session != nil {
			_ = proxy.session.Close()
		}
		delete(p.proxies, id)
	}
	return nil
}

// materialize creates the sprite lazily by running its first command.
func (p *SpritesProvisioner) materialize(ctx context.Context, sprite *sprites.Sprite, name string) error {
	stepCtx, cancel := context.WithTimeout(ctx, spriteStepTimeout)
	defer cancel()

	out, err := sprite.CommandContext(stepCtx, "echo", "relay-ready").Output()
	if err != nil {
		return fmt.Errorf("failed to create sprite %s: %w", name, err)
	}
	if !strings.Contains(string(out), "relay-ready") {
		return fmt.Errorf("unexpected sprite output: %s", string(out))
	}
	return nil
}

// prepareWorkspace clones the conversation repository, or creates an empty
// workspace when there is nothing to clone.
func (p *SpritesProvisioner) prepareWorkspace(ctx context.Context, sprite *sprites.Sprite, spec *Spec) error {
	stepCtx, cancel := context.WithTimeout(ctx, spriteStepTimeout)
	defer cancel()

	if spec.Repository == "" {
		_, err := sprite.CommandContext(stepCtx, "mkdir", "-p", "/workspace").Output()
		return err
	}

	cloneURL := "https://github.com/" + spec.Repository + ".git"
	if spec.GitToken != "" {
		cloneURL = strings.Replace(cloneURL, "https://", "https://"+spec.GitToken+"@", 1)
	}

	args := []string{"clone", "--depth=1"}
	if spec.Branch != "" {
		args = append(args, "--branch", spec.Branch)
	}
	args = append(args, cloneURL, "/workspace")

	cmd := sprite.CommandContext(stepCtx, "git", args...)
	cmd.Env = []string{"GIT_TERMINAL_PROMPT=0"}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone failed: %w\n%s", err, string(out))
	}
	return nil
}

func (p *SpritesProvisioner) runSetupScript(ctx context.Context, sprite *sprites.Sprite, spec *Spec) error {
	if spec.SetupScript == "" {
		return nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, spriteStepTimeout)
	defer cancel()

	cmd := sprite.CommandContext(stepCtx, "sh", "-c", spec.SetupScript)
	cmd.Dir = "/workspace"
	cmd.Env = p.spriteEnv(spec, "")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("setup script failed: %w\n%s", err, string(out))
	}
	return nil
}

// startRuntime launches the runtime process detached from this call.
func (p *SpritesProvisioner) startRuntime(sprite *sprites.Sprite, spec *Spec, sessionKey string) error {
	// Background context: the runtime must outlive provisioning.
	cmd := sprite.CommandContext(context.Background(),
		"relay-runtime",
		"--port", fmt.Sprintf("%d", runtimePort),
		"--workspace", "/workspace")
	cmd.Env = p.spriteEnv(spec, sessionKey)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}
	return nil
}

func (p *SpritesProvisioner) waitForHealth(ctx context.Context, sprite *sprites.Sprite) error {
	deadline := time.Now().Add(spriteHealthTimeout)
	healthURL := fmt.Sprintf("http://localhost:%d/health", runtimePort)

	for time.Now().Before(deadline) {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		out, err := sprite.CommandContext(checkCtx, "curl", "-sf", healthURL).Output()
		cancel()

		if err == nil && len(out) > 0 {
			return nil
		}
		time.Sleep(spriteHealthRetryWait)
	}
	return fmt.Errorf("runtime did not become healthy within %v", spriteHealthTimeout)
}

func (p *SpritesProvisioner) forwardPort(ctx context.Context, sprite *sprites.Sprite, name string) (int, error) {
	localPort, err := freePort()
	if err != nil {
		return 0, fmt.Errorf("failed to get free port: %w", err)
	}

	session, err := sprite.ProxyPort(ctx, localPort, runtimePort)
	if err != nil {
		return 0, fmt.Errorf("port forwarding failed: %w", err)
	}

	p.mu.Lock()
	p.proxies[name] = &spriteProxy{
		spriteName: name,
		localPort:  localPort,
		session:    session,
	}
	p.mu.Unlock()

	return localPort, nil
}

func (p *SpritesProvisioner) cleanupOnFailure(sprite *sprites.Sprite, conversationID string) {
	p.logger.Warn("cleaning up sprite after failure",
		zap.String("conversation_id", conversationID))
	p.closeProxy(sandboxName(p.prefix, conversationID))
	if err := sprite.Destroy(); err != nil {
		p.logger.Warn("failed to destroy sprite during cleanup", zap.Error(err))
	}
}

func (p *SpritesProvisioner) closeProxy(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if proxy, ok := p.proxies[name]; ok {
		if proxy.session != nil {
			_ = proxy.session.Close()
		}
		delete(p.proxies, name)
	}
}

func (p *SpritesProvisioner) spriteEnv(spec *Spec, sessionKey string) []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	if sessionKey != "" {
		env = append(env, "SESSION_API_KEY="+sessionKey)
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// freePort finds an available local port for the forward endpoint.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Package sandbox provisions isolated environments that host conversation
// runtimes. Two backends are supported: local Docker containers and
// Sprites.dev remote sandboxes.
package sandbox

import (
	"context"
	"fmt"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
)

// runtimePort is the port the runtime process listens on inside a sandbox.
const runtimePort = 3000

// Spec describes the sandbox to provision for one conversation.
type Spec struct {
	ConversationID string
	Repository     string
	Branch         string
	GitToken       string
	SetupScript    string
	Env            map[string]string
}

// Sandbox is a provisioned environment hosting a conversation runtime.
type Sandbox struct {
	ID            string
	Status        string
	RuntimeID     string
	RuntimeURL    string
	SessionAPIKey string
	WorkspacePath string
	ExposedURLs   map[string]string
}

// Provisioner starts and stops sandboxes for conversation runtimes.
type Provisioner interface {
	Name() string
	HealthCheck(ctx context.Context) error
	StartSandbox(ctx context.Context, spec *Spec) (*Sandbox, error)
	StopSandbox(ctx context.Context, sb *Sandbox) error
	Close() error
}

// Provide builds the configured provisioner. Provider "none" returns nil:
// callers skip sandbox provisioning entirely.
func Provide(cfg config.SandboxConfig, log *logger.Logger) (Provisioner, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "docker":
		return NewDockerProvisioner(cfg, log)
	case "sprites":
		return NewSpritesProvisioner(cfg, log)
	default:
		return nil, fmt.Errorf("unknown sandbox provider: %s", cfg.Provider)
	}
}

// sandboxName derives a stable per-conversation resource name.
func sandboxName(prefix, conversationID string) string {
	id := conversationID
	if len(id) > 12 {
		id = id[:12]
	}
	return prefix + id
}

package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/conversation/models"
	"github.com/relaydev/relay/internal/runtime/gateway"
)

// GetRuntimeConfig fetches the live runtime configuration and folds changed
// fields into the stored record. Known hosts are never discarded when the
// runtime reports none. When the runtime cannot be reached the cached
// instance is returned without persisting anything.
func (s *Service) GetRuntimeConfig(ctx context.Context, id string) (*models.RuntimeInstance, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	cfg, err := s.gw.GetConfig(ctx, target(conv))
	if err != nil {
		s.logger.Debug("runtime config fetch failed, returning cached instance",
			zap.String("conversation_id", id), zap.Error(err))
		return conv.EnsureRuntime().Clone(), nil
	}

	if !runtimeConfigChanged(conv.EnsureRuntime(), cfg) {
		return conv.EnsureRuntime().Clone(), nil
	}

	updated, err := s.persistWithRetry(ctx, id, func(c *models.Conversation) {
		mergeRuntimeConfig(c, cfg)
	})
	if err != nil {
		return nil, err
	}
	return updated.EnsureRuntime().Clone(), nil
}

// GetVSCodeURL fetches the live VS Code URL, persisting it when it changed.
// A fetch failure returns the cached URL.
func (s *Service) GetVSCodeURL(ctx context.Context, id string) (string, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return "", err
	}

	url, err := s.gw.GetVSCodeURL(ctx, target(conv))
	if err != nil || url == "" {
		return conv.VSCodeURL, nil
	}
	if url == conv.VSCodeURL {
		return url, nil
	}

	if _, err := s.persistWithRetry(ctx, id, func(c *models.Conversation) {
		c.VSCodeURL = url
	}); err != nil {
		return "", err
	}
	return url, nil
}

// GetWebHosts fetches the live exposed-host map, merging non-empty results
// into the stored runtime instance. A fetch failure or an empty live result
// returns the cached hosts.
func (s *Service) GetWebHosts(ctx context.Context, id string) (map[string]string, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	cached := conv.EnsureRuntime().Hosts

	hosts, err := s.gw.GetWebHosts(ctx, target(conv))
	if err != nil || len(hosts) == 0 {
		return cached, nil
	}
	if hostsEqual(cached, hosts) {
		return cached, nil
	}

	updated, err := s.persistWithRetry(ctx, id, func(c *models.Conversation) {
		c.EnsureRuntime().Hosts = hosts
	})
	if err != nil {
		return nil, err
	}
	return updated.EnsureRuntime().Hosts, nil
}

// GetMicroagents lists the microagents loaded in the runtime session.
func (s *Service) GetMicroagents(ctx context.Context, id string) ([]*models.Microagent, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	infos, err := s.gw.GetMicroagents(ctx, target(conv))
	if err != nil {
		return nil, mapGatewayError(err, "list microagents")
	}
	agents := make([]*models.Microagent, 0, len(infos))
	for _, info := range infos {
		agents = append(agents, &models.Microagent{
			Name:     info.Name,
			Type:     info.Type,
			Content:  info.Content,
			Triggers: info.Triggers,
		})
	}
	return agents, nil
}

// mergeRuntimeConfig folds an authoritative config report into the stored
// record, keeping existing hosts and providers when the report omits them.
func mergeRuntimeConfig(conv *models.Conversation, cfg *gateway.RuntimeConfig) {
	ri := conv.EnsureRuntime()
	if cfg.RuntimeID != "" {
		ri.RuntimeID = cfg.RuntimeID
		conv.RuntimeID = cfg.RuntimeID
	}
	if cfg.SessionID != "" {
		conv.SessionID = cfg.SessionID
	}
	if len(cfg.Hosts) > 0 {
		ri.Hosts = cfg.Hosts
	}
	if len(cfg.Providers) > 0 {
		ri.Providers = cfg.Providers
	}
	if cfg.RuntimeStatus != "" {
		ri.RuntimeStatus = cfg.RuntimeStatus
		conv.RuntimeStatus = cfg.RuntimeStatus
		conv.Status = nextStatus(conv.Status, cfg.RuntimeStatus, ri.Placeholder)
	}
	// An authoritative report clears the placeholder mark.
	if cfg.RuntimeID != "" {
		ri.Placeholder = false
	}
}

func runtimeConfigChanged(ri *models.RuntimeInstance, cfg *gateway.RuntimeConfig) bool {
	if cfg.RuntimeID != "" && cfg.RuntimeID != ri.RuntimeID {
		return true
	}
	if cfg.RuntimeStatus != "" && cfg.RuntimeStatus != ri.RuntimeStatus {
		return true
	}
	if len(cfg.Hosts) > 0 && !hostsEqual(ri.Hosts, cfg.Hosts) {
		return true
	}
	if len(cfg.Providers) > 0 && !providersEqual(ri.Providers, cfg.Providers) {
		return true
	}
	return false
}

func hostsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func providersEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package service

import (
	"context"
	"net/http"

	"github.com/relaydev/relay/internal/runtime/gateway"
)

// GitChanges lists the modified paths in the runtime workspace.
func (s *Service) GitChanges(ctx context.Context, id string) ([]*gateway.GitChange, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	changes, err := s.gw.GitChanges(ctx, target(conv))
	if err != nil {
		return nil, mapGatewayError(err, "git changes")
	}
	return changes, nil
}

// GitDiff returns the original and modified content for one changed path.
// An unknown path is a missing sub-resource, not a runtime outage.
func (s *Service) GitDiff(ctx context.Context, id, path string) (*gateway.GitDiff, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	diff, err := s.gw.GitDiff(ctx, target(conv), path)
	if err != nil {
		if ge, ok := gateway.AsGatewayError(err); ok && ge.StatusCode == http.StatusNotFound {
			return nil, mapNotFoundSubResource("diff", path)
		}
		return nil, mapGatewayError(err, "git diff")
	}
	return diff, nil
}

package service

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/gitignore"
	"github.com/relaydev/relay/internal/runtime/gateway"
)

// alwaysIgnored are workspace directories dropped from file listings
// regardless of .gitignore content.
var alwaysIgnored = []string{".git", "node_modules", "__pycache__", ".idea", ".vscode"}

// ListFiles lists workspace files under path, relative to it, with tool and
// VCS directories removed, .gitignore rules applied, duplicates dropped, and
// the result sorted case-insensitively.
func (s *Service) ListFiles(ctx context.Context, id, path string) ([]string, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	t := target(conv)

	entries, err := s.gw.ListFiles(ctx, t, path)
	if err != nil {
		return nil, mapGatewayError(err, "list files")
	}

	matcher := s.loadGitignore(ctx, t)

	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		rel := relativeTo(entry, path)
		if rel == "" {
			continue
		}
		if inAlwaysIgnored(rel) {
			continue
		}
		isDir := strings.HasSuffix(rel, "/")
		if matcher != nil && matcher.Ignored(rel, isDir) {
			continue
		}
		if _, dup := seen[rel]; dup {
			continue
		}
		seen[rel] = struct{}{}
		out = append(out, rel)
	}

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out, nil
}

// OpenFile returns the content of one workspace file.
func (s *Service) OpenFile(ctx context.Context, id, path string) (string, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return "", err
	}
	content, err := s.gw.SelectFile(ctx, target(conv), path)
	if err != nil {
		if ge, ok := gateway.AsGatewayError(err); ok && ge.StatusCode == http.StatusNotFound {
			return "", mapNotFoundSubResource("file", path)
		}
		return "", mapGatewayError(err, "open file")
	}
	return content, nil
}

// UploadFiles streams files into the runtime workspace.
func (s *Service) UploadFiles(ctx context.Context, id, sessionKey string, files []gateway.UploadFile) error {
	if len(files) == 0 {
		return nil
	}
	return s.withRuntime(ctx, id, sessionKey, func(h *runtimeHandle) error {
		if err := s.gw.UploadFiles(ctx, h.target, files); err != nil {
			return mapGatewayError(err, "upload files")
		}
		return nil
	})
}

// ZipWorkspace downloads the workspace as a zip archive.
func (s *Service) ZipWorkspace(ctx context.Context, id string) ([]byte, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := s.gw.ZipWorkspace(ctx, target(conv))
	if err != nil {
		return nil, mapGatewayError(err, "zip workspace")
	}
	return data, nil
}

// loadGitignore fetches the workspace root .gitignore. Best-effort: a missing
// or unreadable file just means no extra filtering.
func (s *Service) loadGitignore(ctx context.Context, t gateway.Target) *gitignore.Matcher {
	content, err := s.gw.SelectFile(ctx, t, ".gitignore")
	if err != nil {
		s.logger.Debug("no usable .gitignore in workspace", zap.Error(err))
		return nil
	}
	return gitignore.Parse(content)
}

// relativeTo normalizes a runtime-reported entry to a path relative to base,
// preserving a trailing slash on directory entries.
func relativeTo(entry, base string) string {
	rel := strings.TrimPrefix(entry, base)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || rel == "/" {
		return ""
	}
	return rel
}

func inAlwaysIgnored(rel string) bool {
	top := rel
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		top = rel[:i]
	}
	top = strings.TrimSuffix(top, "/")
	for _, d := range alwaysIgnored {
		if top == d {
			return true
		}
	}
	return false
}

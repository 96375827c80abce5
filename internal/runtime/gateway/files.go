package gateway

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
)

// ListFiles lists workspace entries under path as reported by the runtime.
// Entries come back raw; ignore filtering and ordering happen in the
// orchestrator.
func (c *Client) ListFiles(ctx context.Context, t Target, path string) ([]string, error) {
	q := url.Values{}
	if path != "" {
		q.Set("path", path)
	}

	var result struct {
		Files []string `json:"files"`
	}
	if err := c.doJSON(ctx, http.MethodGet, t.URL+"/list-files?"+q.Encode(), t.SessionAPIKey, nil, &result); err != nil {
		return nil, err
	}
	return result.Files, nil
}

// SelectFile fetches the content of one workspace file.
func (c *Client) SelectFile(ctx context.Context, t Target, path string) (string, error) {
	q := url.Values{}
	q.Set("file", path)

	var result struct {
		Code string `json:"code"`
	}
	if err := c.doJSON(ctx, http.MethodGet, t.URL+"/select-file?"+q.Encode(), t.SessionAPIKey, nil, &result); err != nil {
		return "", err
	}
	return result.Code, nil
}

// UploadFiles streams files into the runtime workspace as a multipart
// request. File content is piped, never fully buffered.
func (c *Client) UploadFiles(ctx context.Context, t Target, files []UploadFile) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		var werr error
		defer func() { _ = pw.CloseWithError(werr) }()

		for _, f := range files {
			part, err := mw.CreateFormFile("files", f.Name)
			if err != nil {
				werr = err
				return
			}
			if _, err := io.Copy(part, f.Content); err != nil {
				werr = err
				return
			}
		}
		werr = mw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL+"/upload-files", pr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setSessionKey(req, t.SessionAPIKey)

	if _, _, err := c.do(req); err != nil {
		return err
	}
	return nil
}

// ZipWorkspace downloads the workspace as a zip archive. The archive is
// buffered in memory; workspaces are bounded by the sandbox disk quota.
func (c *Client) ZipWorkspace(ctx context.Context, t Target) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL+"/zip-directory", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setSessionKey(req, t.SessionAPIKey)

	body, _, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return body, nil
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/runtime/gateway"
)

// ListFiles handles GET /api/v1/conversations/:id/files.
func (h *ConversationHandler) ListFiles(c *gin.Context) {
	files, err := h.service.ListFiles(c.Request.Context(), c.Param("id"), c.Query("path"))
	if err != nil {
		writeError(c, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// OpenFile handles GET /api/v1/conversations/:id/files/content.
func (h *ConversationHandler) OpenFile(c *gin.Context) {
	path := c.Query("file")
	if path == "" {
		writeError(c, apperr.Validation("file", "file query parameter is required"))
		return
	}

	code, err := h.service.OpenFile(c.Request.Context(), c.Param("id"), path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": path, "code": code})
}

// UploadFiles handles POST /api/v1/conversations/:id/files. The request is
// multipart; every part under the "files" field is forwarded to the runtime.
func (h *ConversationHandler) UploadFiles(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, apperr.Validation("files", "multipart form required"))
		return
	}

	var files []gateway.UploadFile
	var closers []interface{ Close() error }
	defer func() {
		for _, f := range closers {
			_ = f.Close()
		}
	}()

	for _, header := range form.File["files"] {
		f, err := header.Open()
		if err != nil {
			writeError(c, apperr.Validation("files", "unreadable file part: "+header.Filename))
			return
		}
		closers = append(closers, f)
		files = append(files, gateway.UploadFile{Name: header.Filename, Content: f})
	}

	id := c.Param("id")
	if err := h.service.UploadFiles(c.Request.Context(), id, c.GetHeader(sessionKeyHeader), files); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "uploaded": len(files)})
}

// ZipWorkspace handles GET /api/v1/conversations/:id/zip.
func (h *ConversationHandler) ZipWorkspace(c *gin.Context) {
	data, err := h.service.ZipWorkspace(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="workspace.zip"`)
	c.Data(http.StatusOK, "application/zip", data)
}

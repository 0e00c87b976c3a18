package turnengine

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ViewImageHandler implements "view_image": reads a local image and returns
// it as a data URL in the result's Output (spec §4.5's view_image tool). The
// runner does not record that Output as a thread item, so the image is not
// part of the item history sent to the model on later steps.
type ViewImageHandler struct {
	DefaultCwd string
	MaxBytes   int
}

func NewViewImageHandler(defaultCwd string) *ViewImageHandler {
	return &ViewImageHandler{DefaultCwd: defaultCwd, MaxBytes: 8 * 1024 * 1024}
}

var imageMIMEByExt = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

func (h *ViewImageHandler) Validate(ctx context.Context, call ToolCall) error {
	path := asString(call.Args["path"])
	if path == "" {
		return fmt.Errorf("view_image: path is required")
	}
	if _, ok := imageMIMEByExt[strings.ToLower(filepath.Ext(path))]; !ok {
		return fmt.Errorf("view_image: unsupported image format %q", filepath.Ext(path))
	}
	return nil
}

func (h *ViewImageHandler) HandlePartial(ctx context.Context, partial PartialToolCall) error {
	return nil
}

func (h *ViewImageHandler) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	path := asString(call.Args["path"])
	if !filepath.IsAbs(path) {
		path = filepath.Join(h.DefaultCwd, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return ToolResult{}, err
	}
	if int(info.Size()) > h.MaxBytes {
		return ToolResult{}, fmt.Errorf("view_image: %s exceeds the %d byte limit", path, h.MaxBytes)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ToolResult{}, err
	}

	mime := imageMIMEByExt[strings.ToLower(filepath.Ext(path))]
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(raw))

	return ToolResult{
		Status:  toolResultStatusSuccess,
		Summary: fmt.Sprintf("attached %s (%d bytes)", path, len(raw)),
		Output: map[string]any{
			"path":     path,
			"data_url": dataURL,
			"mime":     mime,
		},
	}, nil
}

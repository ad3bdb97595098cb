// Package keys builds storage object keys and backend identifiers.
package keys

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubjectImage is the key of the n-th (1-based) uploaded subject image.
func SubjectImage(jobID string, n int, ext string) string {
	return fmt.Sprintf("%s/input/%s_%02d%s", jobID, jobID, n, normExt(ext))
}

// Artifact is the key of one collected page variant.
func Artifact(jobID, pageKey string, at time.Time, seq int, ext string) string {
	return fmt.Sprintf("%s/pages/%s/%s_%s_%d_%03d%s",
		jobID, pageKey, jobID, pageKey, at.UnixMilli(), seq, normExt(ext))
}

// FinalPage is the key of a packaged page; the cover is page 0.
func FinalPage(jobID string, page int, ext string) string {
	return fmt.Sprintf("%s/final/page%02d%s", jobID, page, normExt(ext))
}

// Collage is the key the finished collage is published under.
func Collage(jobID, ext string) string {
	return fmt.Sprintf("%s/final/%s_collage%s", jobID, jobID, normExt(ext))
}

// ClientID identifies one render submission on the backend's event stream.
func ClientID(jobID, pageKey string) string {
	return fmt.Sprintf("%s_workflow_%s_%s", jobID, pageKey, uuid.NewString()[:8])
}

// Ext picks a file extension from a content type, falling back to the
// extension of name and then to ".png".
func Ext(contentType, name string) string {
	if ext := ExtFromMime(contentType); ext != "" {
		return ext
	}
	if ext := path.Ext(name); ext != "" {
		return strings.ToLower(ext)
	}
	return ".png"
}

// ExtFromMime returns the extension for an image content type, or "".
func ExtFromMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}

// MimeFromExt is the inverse of ExtFromMime.
func MimeFromExt(ext string) string {
	switch normExt(strings.ToLower(ext)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// SanitizeFilename strips path separators and traversal from s.
func SanitizeFilename(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		return "input"
	}
	return s
}

func normExt(ext string) string {
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}

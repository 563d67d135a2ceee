// Package upload drives resumable video uploads: metadata and file
// validation, the chunked transfer engine with retry and session
// recovery, the job queue, the drop-directory watcher, and completion
// webhooks.
package upload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tubeworks/tubeup/internal/config"
	"github.com/tubeworks/tubeup/internal/store"
)

// ErrInvalidMetadata wraps every metadata validation failure.
var ErrInvalidMetadata = errors.New("upload: invalid metadata")

// ErrInvalidFile wraps every file validation failure.
var ErrInvalidFile = errors.New("upload: invalid file")

// Platform metadata ceilings.
const (
	MaxTitleLen       = 100
	MaxDescriptionLen = 5000
	MaxTags           = 500
	MaxTagLen         = 500
)

// validPrivacy is the platform's visibility enum.
var validPrivacy = map[string]bool{
	"private":  true,
	"unlisted": true,
	"public":   true,
}

// validCategories are the platform's assignable video category ids.
var validCategories = map[string]bool{
	"1": true, "2": true, "10": true, "15": true, "17": true, "18": true,
	"19": true, "20": true, "21": true, "22": true, "23": true, "24": true,
	"25": true, "26": true, "27": true, "28": true, "29": true, "30": true,
	"31": true, "32": true, "33": true, "34": true, "35": true, "36": true,
	"37": true, "38": true, "39": true, "40": true, "41": true, "42": true,
	"43": true, "44": true,
}

// extensionMIME maps allowed file extensions to the MIME type sent when
// opening an upload session.
var extensionMIME = map[string]string{
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
}

// ValidateMetadata checks a job's video metadata against the platform
// ceilings. Runs before any network traffic; a job that fails here
// never opens an upload session.
func ValidateMetadata(j *store.Job) error {
	title := strings.TrimSpace(j.Title)

	switch {
	case title == "":
		return fmt.Errorf("%w: title is required", ErrInvalidMetadata)
	case len(j.Title) > MaxTitleLen:
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalidMetadata, MaxTitleLen)
	case strings.ContainsAny(j.Title, "<>"):
		return fmt.Errorf("%w: title must not contain angle brackets", ErrInvalidMetadata)
	}

	if len(j.Description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidMetadata, MaxDescriptionLen)
	}

	if strings.ContainsAny(j.Description, "<>") {
		return fmt.Errorf("%w: description must not contain angle brackets", ErrInvalidMetadata)
	}

	if len(j.Tags) > MaxTags {
		return fmt.Errorf("%w: more than %d tags", ErrInvalidMetadata, MaxTags)
	}

	for _, tag := range j.Tags {
		if len(tag) > MaxTagLen {
			return fmt.Errorf("%w: tag %q exceeds %d characters", ErrInvalidMetadata, truncate(tag, 20), MaxTagLen)
		}
	}

	if j.PrivacyStatus != "" && !validPrivacy[j.PrivacyStatus] {
		return fmt.Errorf("%w: privacy status %q not one of private, unlisted, public",
			ErrInvalidMetadata, j.PrivacyStatus)
	}

	if j.CategoryID != "" && !validCategories[j.CategoryID] {
		return fmt.Errorf("%w: unknown category id %q", ErrInvalidMetadata, j.CategoryID)
	}

	return nil
}

// ValidateFile checks the source file: it must exist, be a regular
// file, carry an allowed extension and MIME type, and fit under the
// size ceiling. Returns the file size and MIME type on success.
func ValidateFile(path string, cfg config.UploadConfig) (int64, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	if !info.Mode().IsRegular() {
		return 0, "", fmt.Errorf("%w: %s is not a regular file", ErrInvalidFile, path)
	}

	if info.Size() == 0 {
		return 0, "", fmt.Errorf("%w: %s is empty", ErrInvalidFile, path)
	}

	if cfg.MaxFileSize > 0 && info.Size() > cfg.MaxFileSize {
		return 0, "", fmt.Errorf("%w: %s is %d bytes, limit is %d",
			ErrInvalidFile, path, info.Size(), cfg.MaxFileSize)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !allowedExtension(ext, cfg.AllowedExtensions) {
		return 0, "", fmt.Errorf("%w: extension %q not allowed", ErrInvalidFile, ext)
	}

	mimeType, ok := extensionMIME[ext]
	if !ok {
		return 0, "", fmt.Errorf("%w: no MIME type for extension %q", ErrInvalidFile, ext)
	}

	if len(cfg.AllowedMIMETypes) > 0 && !contains(cfg.AllowedMIMETypes, mimeType) {
		return 0, "", fmt.Errorf("%w: MIME type %q not allowed", ErrInvalidFile, mimeType)
	}

	return info.Size(), mimeType, nil
}

// MIMEForFile returns the upload MIME type for a file name.
func MIMEForFile(name string) string {
	if m, ok := extensionMIME[strings.ToLower(filepath.Ext(name))]; ok {
		return m
	}

	return "application/octet-stream"
}

func allowedExtension(ext string, allowed []string) bool {
	trimmed := strings.TrimPrefix(ext, ".")

	for _, a := range allowed {
		if strings.EqualFold(strings.TrimPrefix(a, "."), trimmed) {
			return true
		}
	}

	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}

	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}

// Package validation provides the path and request checks that keep untrusted
// input inside the directories strata is configured to serve.
package validation

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/conneroisu/strata/internal/errors"
)

// ValidateRelPath checks a client supplied path relative to a served root.
// It rejects absolute paths, parent references and control characters.
func ValidateRelPath(rel string) error {
	if strings.TrimSpace(rel) == "" {
		return errors.NewValidationError(errors.ErrCodeInvalidPath, "path cannot be empty")
	}

	if strings.ContainsRune(rel, 0) {
		return errors.NewValidationError(errors.ErrCodeInvalidPath, "path contains null byte")
	}

	slashed := filepath.ToSlash(rel)
	if filepath.IsAbs(rel) || strings.HasPrefix(slashed, "/") || filepath.VolumeName(rel) != "" {
		return errors.ErrPathTraversal(rel)
	}

	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return errors.ErrPathTraversal(rel)
		}
	}

	return nil
}

// SafeJoin joins rel onto root and guarantees the result stays within root.
func SafeJoin(root, rel string) (string, error) {
	if err := ValidateRelPath(rel); err != nil {
		return "", err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errors.NewInternalError(errors.ErrCodeInvalidPath, "resolving root failed", err)
	}

	joined := filepath.Join(absRoot, filepath.FromSlash(rel))
	within, err := filepath.Rel(absRoot, joined)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", errors.ErrPathTraversal(rel)
	}

	return joined, nil
}

// ValidateOrigin validates WebSocket origin for CSRF protection
func ValidateOrigin(origin string, allowedOrigins []string) error {
	if origin == "" {
		return fmt.Errorf("origin header is required")
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin format: %w", err)
	}

	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return fmt.Errorf("invalid origin scheme '%s': only http and https are allowed", originURL.Scheme)
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || origin == allowed || originURL.Host == allowed {
			return nil
		}
	}

	return fmt.Errorf("origin '%s' is not in allowed origins list", origin)
}

// ValidateFileExtension validates file extensions against an allowlist
func ValidateFileExtension(filename string, allowedExtensions []string) error {
	if filename == "" {
		return errors.NewValidationError(errors.ErrCodeInvalidPath, "filename cannot be empty")
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return errors.NewValidationError(errors.ErrCodeInvalidPath, "file must have an extension")
	}

	for _, allowed := range allowedExtensions {
		if ext == strings.ToLower(allowed) {
			return nil
		}
	}

	return errors.NewValidationError(errors.ErrCodeInvalidPath, fmt.Sprintf("file extension '%s' is not allowed", ext))
}

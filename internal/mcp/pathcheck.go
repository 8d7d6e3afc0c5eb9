package mcp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/ignitron/internal/config"
	"github.com/hpungsan/ignitron/internal/errors"
)

// validateOutputPath checks a caller-supplied bank list destination.
func validateOutputPath(path string, cfg *config.Config) error {
	return validateTextFile(path, "output", cfg)
}

// validateTextFile checks a caller-supplied text file destination (bank
// lists and preset indexes). It checks:
// 1. Path traversal (.. sequences)
// 2. Extension (.txt required, the pedal reads PresetList.txt)
// 3. Directory restrictions (file must be DIRECTLY in DistDir or allowed_paths)
// 4. Symlink safety (neither the parent dir nor the file may be a symlink)
//
// Files must sit directly in an allowed directory so no intermediate
// component can be swapped for a symlink between validation and write.
func validateTextFile(path, what string, cfg *config.Config) error {
	if path == "" {
		return errors.NewInvalidRequest(what + " is required")
	}

	if containsTraversal(path) {
		return errors.NewInvalidRequest(what + " must not contain directory traversal (..)")
	}

	cleaned := filepath.Clean(path)
	if !strings.EqualFold(filepath.Ext(cleaned), ".txt") {
		return errors.NewInvalidRequest(what + " must have .txt extension")
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid %s: %v", what, err))
	}

	return checkPlacement(absPath, what, cfg)
}

// validateOutputDir checks a caller-supplied preset directory. The directory
// is created by the run, so it must sit directly in DistDir or an
// allowed_paths entry (or be one of them), and must not be a symlink.
func validateOutputDir(path string, cfg *config.Config) error {
	if path == "" {
		return errors.NewInvalidRequest("out_dir is required")
	}
	if containsTraversal(path) {
		return errors.NewInvalidRequest("out_dir must not contain directory traversal (..)")
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid out_dir: %v", err))
	}

	if cfg == nil || !cfg.AllowUnsafePaths {
		allowedDirs, err := allowedOutputDirs(cfg)
		if err != nil {
			return err
		}
		if isDirectlyInAllowedDir(absPath, allowedDirs) {
			return rejectSymlink(absPath, "out_dir")
		}
	}
	return checkPlacement(absPath, "out_dir", cfg)
}

// checkPlacement enforces the allowed-directory rule on absPath's parent
// (unless unsafe paths are allowed) and rejects symlinks.
func checkPlacement(absPath, what string, cfg *config.Config) error {
	// Unsafe mode skips the directory check but never the symlink check.
	if cfg == nil || !cfg.AllowUnsafePaths {
		allowedDirs, err := allowedOutputDirs(cfg)
		if err != nil {
			return err
		}

		parentDir := filepath.Dir(absPath)
		if !isDirectlyInAllowedDir(parentDir, allowedDirs) {
			return errors.NewInvalidRequest(
				fmt.Sprintf("%s must be directly in an allowed directory (no subdirectories); allowed: %v",
					what, allowedDirs))
		}

		if err := rejectSymlink(parentDir, "parent directory"); err != nil {
			return err
		}
	}
	return rejectSymlink(absPath, what)
}

func rejectSymlink(path, what string) error {
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidRequest(what + " must not be a symlink")
	}
	return nil
}

// allowedOutputDirs returns DistDir plus the absolute allowed_paths entries,
// cleaned and with symlinked entries resolved.
func allowedOutputDirs(cfg *config.Config) ([]string, error) {
	dirs := []string{config.DefaultConfig().DistDir}
	if cfg != nil {
		if cfg.DistDir != "" {
			dirs[0] = cfg.DistDir
		}
		for _, p := range cfg.AllowedPaths {
			if filepath.IsAbs(p) {
				dirs = append(dirs, filepath.Clean(p))
			}
		}
	}

	result := make([]string, 0, len(dirs))
	for _, d := range dirs {
		abs, err := filepath.Abs(filepath.Clean(d))
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid allowed path: %v", err))
		}
		if info, err := os.Lstat(abs); err == nil && info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(abs)
			if err != nil {
				return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot resolve symlink in allowed path: %v", err))
			}
			abs = resolved
		}
		result = append(result, abs)
	}
	return result, nil
}

func isDirectlyInAllowedDir(parentDir string, allowedDirs []string) bool {
	parentDir = filepath.Clean(parentDir)
	for _, dir := range allowedDirs {
		if parentDir == filepath.Clean(dir) {
			return true
		}
	}
	return false
}

// containsTraversal reports whether any path component is "..".
// Forward slashes are checked on every platform since paths come from callers.
func containsTraversal(path string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == ".." {
			return true
		}
	}
	if filepath.Separator != '/' {
		for _, part := range strings.Split(path, "/") {
			if part == ".." {
				return true
			}
		}
	}
	return false
}

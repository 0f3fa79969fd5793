package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Timeouts shared by outbound HTTP calls and shutdown.
const (
	DefaultFetchTimeout    = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Username limits.
const (
	MinUsernameLen = 3
	MaxUsernameLen = 32
)

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). filepath.Join("a", "/b") returns "a/b", not "/b".
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// NormalizeUsername lowercases and trims a username.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateUsername normalizes a username and checks its shape.
// Allowed: a-z, 0-9, '.' and '-'. '_' is reserved as the DM id separator.
func ValidateUsername(name string) (string, error) {
	name = NormalizeUsername(name)
	if name == "" {
		return "", errors.New("username is empty")
	}
	if len(name) < MinUsernameLen || len(name) > MaxUsernameLen {
		return "", fmt.Errorf("username must be %d-%d characters", MinUsernameLen, MaxUsernameLen)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
		default:
			return "", fmt.Errorf("username contains invalid character %q", r)
		}
	}
	return name, nil
}

// WriteJSONFile writes v as indented JSON, creating parent directories.
// The file is written to a temp sibling first and renamed into place so a
// crash mid-write never leaves a truncated file behind.
func WriteJSONFile(path string, v any) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadJSONFile decodes a JSON file into v. A UTF-8 BOM is tolerated.
func ReadJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	b = StripBOM(b)
	return json.Unmarshal(b, v)
}

// StripBOM removes a leading UTF-8 byte order mark.
func StripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

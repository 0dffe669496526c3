// Package config parses the §6 configuration keys from a flat
// key=value file, in the small-explicit-struct style of the teacher's
// internal/backend/local config: a Config type plus a constructor that
// substitutes defaults (with a logged warning) for invalid values,
// rather than failing the whole parse.
package config

import (
	"bufio"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/wago/wdx-fileservice/internal/debug"
)

// Config holds the §6 recognized keys. All other keys are rejected.
type Config struct {
	AllowUnauthenticatedRequestsForScanDevices bool
	FileAPIUploadIDTimeoutSeconds              int
	RunResultTimeoutSeconds                    int
	OAuth2Origin                               string
	OAuth2TokenPath                            string
	OAuth2VerifyAccessPath                     string
	OAuth2ClientID                             string
	OAuth2ClientSecret                         string
}

// Defaults mirror the values a fresh install ships with.
func Defaults() Config {
	return Config{
		AllowUnauthenticatedRequestsForScanDevices: false,
		FileAPIUploadIDTimeoutSeconds:              300,
		RunResultTimeoutSeconds:                    300,
		OAuth2Origin:                                "https://localhost",
		OAuth2TokenPath:                             "/oauth2/token",
		OAuth2VerifyAccessPath:                      "/oauth2/verify",
		OAuth2ClientID:                              "",
		OAuth2ClientSecret:                          "",
	}
}

const maxTimeoutSeconds = 65535

// Parse reads key=value lines from r, applying Defaults() and replacing
// any invalid value with its default (logged via internal/debug).
// Unrecognized keys are a hard parse error: the config file format is
// closed, per §6 ("all other keys are rejected").
func Parse(r io.Reader) (Config, error) {
	cfg := Defaults()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Config{}, errors.Errorf("malformed config line: %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if err := cfg.apply(key, value); err != nil {
			return Config{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	return cfg, nil
}

func (cfg *Config) apply(key, value string) error {
	switch key {
	case "allow_unauthenticated_requests_for_scan_devices":
		b, err := strconv.ParseBool(value)
		if err != nil {
			debug.Log("config: invalid %s=%q, keeping default %v", key, value, cfg.AllowUnauthenticatedRequestsForScanDevices)
			return nil
		}
		cfg.AllowUnauthenticatedRequestsForScanDevices = b

	case "file_api_upload_id_timeout":
		n, ok := parseBoundedSeconds(value)
		if !ok {
			debug.Log("config: invalid %s=%q, keeping default %d", key, value, cfg.FileAPIUploadIDTimeoutSeconds)
			return nil
		}
		cfg.FileAPIUploadIDTimeoutSeconds = n

	case "run_result_timeout":
		n, ok := parseBoundedSeconds(value)
		if !ok {
			debug.Log("config: invalid %s=%q, keeping default %d", key, value, cfg.RunResultTimeoutSeconds)
			return nil
		}
		cfg.RunResultTimeoutSeconds = n

	case "oauth2_origin":
		if _, err := url.ParseRequestURI(value); err != nil {
			debug.Log("config: invalid %s=%q, keeping default %s", key, value, cfg.OAuth2Origin)
			return nil
		}
		cfg.OAuth2Origin = value

	case "oauth2_token_path":
		if !isAbsolutePath(value) {
			debug.Log("config: invalid %s=%q, keeping default %s", key, value, cfg.OAuth2TokenPath)
			return nil
		}
		cfg.OAuth2TokenPath = value

	case "oauth2_verify_access_path":
		if !isAbsolutePath(value) {
			debug.Log("config: invalid %s=%q, keeping default %s", key, value, cfg.OAuth2VerifyAccessPath)
			return nil
		}
		cfg.OAuth2VerifyAccessPath = value

	case "oauth2_client_id":
		cfg.OAuth2ClientID = value

	case "oauth2_client_secret":
		cfg.OAuth2ClientSecret = value

	default:
		return errors.Errorf("unrecognized config key: %q", key)
	}
	return nil
}

func parseBoundedSeconds(value string) (int, bool) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 || n > maxTimeoutSeconds {
		return 0, false
	}
	return n, true
}

func isAbsolutePath(p string) bool {
	return strings.HasPrefix(p, "/")
}

package config

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error with suggestions
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder

	if len(vr.Errors) > 0 {
		builder.WriteString("Validation errors:\n")
		for _, err := range vr.Errors {
			builder.WriteString(fmt.Sprintf("  - %s: %s\n", err.Field, err.Message))
			for _, suggestion := range err.Suggestions {
				builder.WriteString(fmt.Sprintf("    hint: %s\n", suggestion))
			}
		}
	}

	if len(vr.Warnings) > 0 {
		builder.WriteString("Validation warnings:\n")
		for _, warning := range vr.Warnings {
			builder.WriteString(fmt.Sprintf("  - %s: %s\n", warning.Field, warning.Message))
		}
	}

	return builder.String()
}

// ValidateConfigWithDetails validates every section and collects all issues.
func ValidateConfigWithDetails(config *Config) *ValidationResult {
	result := &ValidationResult{
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	validateServerConfigDetails(&config.Server, result)
	validateCompileConfigDetails(&config.Compile, result)
	validateCacheConfigDetails(&config.Cache, result)
	validateLogConfigDetails(&config.Log, result)

	if config.Store.Path == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "store.path",
			Message: "store path cannot be empty",
		})
	}

	result.Valid = !result.HasErrors()
	return result
}

func validateServerConfigDetails(config *ServerConfig, result *ValidationResult) {
	if config.Port < 0 || config.Port > 65535 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server.port",
			Value:   config.Port,
			Message: fmt.Sprintf("port %d is not in valid range 0-65535", config.Port),
			Suggestions: []string{
				"Use a port between 1024-65535 for non-privileged access",
				"Port 0 allows system to assign an available port",
			},
		})
	} else if config.Port > 0 && config.Port < 1024 {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "server.port",
			Value:   config.Port,
			Message: "port below 1024 requires elevated privileges",
		})
	}

	if config.Host != "" {
		if err := validateHostname(config.Host); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "server.host",
				Value:   config.Host,
				Message: err.Error(),
				Suggestions: []string{
					"Use 'localhost' for local development",
					"Use '0.0.0.0' to bind to all interfaces",
				},
			})
		}
	}

	if config.APIToken == "" {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "server.api_token",
			Message: "no api token configured, write endpoints are unauthenticated",
		})
	}

	if config.RateLimit.Enabled && config.RateLimit.RequestsPerMinute <= 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server.rate_limit.requests_per_minute",
			Value:   config.RateLimit.RequestsPerMinute,
			Message: "must be positive when rate limiting is enabled",
		})
	}
}

func validateCompileConfigDetails(config *CompileConfig, result *ValidationResult) {
	for field, path := range map[string]string{
		"compile.source_dir": config.SourceDir,
		"compile.output_dir": config.OutputDir,
	} {
		if err := validatePath(path); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: err.Error(),
			})
		}
	}

	if config.SourceDir != "" && filepath.Clean(config.SourceDir) == filepath.Clean(config.OutputDir) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "compile.output_dir",
			Value:   config.OutputDir,
			Message: "output directory must differ from source directory",
		})
	}

	if config.Extension == "." || strings.ContainsAny(config.Extension, `/\*`) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "compile.extension",
			Value:   config.Extension,
			Message: "invalid source extension",
		})
	}

	durations := []struct {
		field string
		value time.Duration
		min   time.Duration
	}{
		{"compile.cooldown", config.Cooldown, 0},
		{"compile.timeout", config.Timeout, time.Second},
		{"compile.debounce", config.Debounce, 0},
		{"compile.interval", config.Interval, 0},
	}
	for _, d := range durations {
		if d.value < d.min {
			result.Errors = append(result.Errors, ValidationError{
				Field:   d.field,
				Value:   d.value,
				Message: fmt.Sprintf("must be at least %s", d.min),
			})
		}
	}

	if config.MemoEntries <= 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "compile.memo_entries",
			Value:   config.MemoEntries,
			Message: "memo must hold at least one entry",
		})
	}

	ri := config.RuntimeImport
	if ri.Module == "" || ri.Identifier == "" || ri.Global == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "compile.runtime_import",
			Value:   ri,
			Message: "module, identifier and global are all required",
		})
	} else if !identifierRegex.MatchString(ri.Identifier) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "compile.runtime_import.identifier",
			Value:   ri.Identifier,
			Message: "not a valid identifier",
		})
	}
}

func validateCacheConfigDetails(config *CacheConfig, result *ValidationResult) {
	if config.TTL <= 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "cache.ttl",
			Value:   config.TTL,
			Message: "ttl must be positive",
		})
	}
	if config.MemoryEntries <= 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "cache.memory_entries",
			Value:   config.MemoryEntries,
			Message: "memory tier must hold at least one entry",
		})
	}
	if config.Redis.Enabled && config.Redis.Addr == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:       "cache.redis.addr",
			Message:     "redis is enabled but no address is configured",
			Suggestions: []string{"Set cache.redis.addr to host:port"},
		})
	}
}

func validateLogConfigDetails(config *LogConfig, result *ValidationResult) {
	switch strings.ToLower(config.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:   "log.level",
			Value:   config.Level,
			Message: "unknown log level",
		})
	}
	if config.Format != "text" && config.Format != "json" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "log.format",
			Value:   config.Format,
			Message: "format must be text or json",
		})
	}
}

var (
	hostnameRegex   = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	identifierRegex = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)
)

func validateHostname(host string) error {
	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
	for _, char := range dangerousChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("contains dangerous character: %s", char)
		}
	}

	if net.ParseIP(host) != nil {
		return nil
	}

	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid hostname format")
	}

	return nil
}

// validatePath validates a configured directory for security
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "<", ">", "\"", "'", "\x00"}
	for _, char := range dangerousChars {
		if strings.Contains(path, char) {
			return fmt.Errorf("path contains dangerous character: %q", char)
		}
	}

	return nil
}

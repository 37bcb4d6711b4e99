package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults, verifies and validates a config file.
// A directory argument is resolved to config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	// Hash-verify before parsing so a tampered file is never interpreted.
	if err := VerifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse interpolates environment variables into data, decodes it over the
// defaults and fills derived fields. It does not validate.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	applyDerived(cfg)
	return cfg, nil
}

// ResolvePath returns the absolute path of the config file.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// applyDerived fills fields whose default depends on other fields.
func applyDerived(cfg *Config) {
	if cfg.Callback.ReceiveID == "" {
		cfg.Callback.ReceiveID = cfg.WeCom.CorpID
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	cfg.Service.LogFormat = strings.ToLower(cfg.Service.LogFormat)
	for i := range cfg.Handlers {
		cfg.Handlers[i].Kind = strings.ToLower(strings.TrimSpace(cfg.Handlers[i].Kind))
		cfg.Handlers[i].Sender = strings.TrimSpace(cfg.Handlers[i].Sender)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validate reports it for required fields.
		return match
	})
}

// HandlerKinds lists the accepted handlers[].kind values.
var HandlerKinds = []string{"chat", "echo"}

// validate performs basic validation on the configuration. All problems are
// reported together.
func validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		add("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		add("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		add("server.port must be in 1..65535 (got %d)", cfg.Server.Port)
	}
	for field, p := range map[string]string{"server.webhook_path": cfg.Server.WebhookPath, "server.send_path": cfg.Server.SendPath} {
		if !strings.HasPrefix(p, "/") {
			add("%s must start with / (got %q)", field, p)
		}
	}
	if cfg.Server.WebhookPath == cfg.Server.SendPath {
		add("server.webhook_path and server.send_path must differ")
	}
	if cfg.Server.MaxBodySize <= 0 {
		add("server.max_body_size must be positive")
	}

	required := []struct{ field, value string }{
		{"wecom.corp_id", cfg.WeCom.CorpID},
		{"wecom.corp_secret", cfg.WeCom.CorpSecret},
		{"callback.token", cfg.Callback.Token},
		{"callback.encoding_aes_key", cfg.Callback.EncodingAESKey},
	}
	for _, r := range required {
		if err := checkResolved(r.field, r.value); err != nil {
			errs = append(errs, err)
			continue
		}
		if r.value == "" {
			add("%s is required", r.field)
		}
	}
	if cfg.WeCom.AgentID <= 0 {
		add("wecom.agent_id must be positive")
	}
	if cfg.WeCom.Timeout <= 0 {
		add("wecom.timeout must be positive")
	}
	if k := cfg.Callback.EncodingAESKey; k != "" && !envVarPattern.MatchString(k) && len(k) != 43 {
		add("callback.encoding_aes_key must be 43 characters (got %d)", len(k))
	}
	if cfg.Callback.MaxClockSkew < 0 {
		add("callback.max_clock_skew must not be negative")
	}

	for i, tok := range cfg.Send.Tokens {
		if err := checkResolved(fmt.Sprintf("send.tokens[%d]", i), tok); err != nil {
			errs = append(errs, err)
		} else if strings.TrimSpace(tok) == "" {
			add("send.tokens[%d] is empty", i)
		}
	}

	seen := make(map[string]bool, len(cfg.Handlers))
	chat := false
	for i, h := range cfg.Handlers {
		if h.Sender == "" {
			add("handlers[%d].sender is required", i)
		} else if seen[h.Sender] {
			add("handlers[%d]: duplicate sender %q", i, h.Sender)
		}
		seen[h.Sender] = true
		switch h.Kind {
		case "chat":
			chat = true
		case "echo":
		default:
			add("handlers[%d].kind must be one of %v (got %q)", i, HandlerKinds, h.Kind)
		}
	}
	if chat {
		if err := checkResolved("openai.api_key", cfg.OpenAI.APIKey); err != nil {
			errs = append(errs, err)
		}
		if cfg.OpenAI.Timeout <= 0 {
			add("openai.timeout must be positive")
		}
	}

	return errors.Join(errs...)
}

// checkResolved reports a ${VAR} placeholder that survived interpolation.
// Secrets are never echoed, only the variable name.
func checkResolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

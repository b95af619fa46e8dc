package hooks

import (
	"errors"
	"time"
)

// Config mirrors the hooks_* settings.
type Config struct {
	Enabled    bool
	ScriptPath string
	ScriptArgs []string
	Env        map[string]string
	Timeout    time.Duration
}

func (c Config) Validate() error {
	if c.Enabled && c.ScriptPath == "" {
		return errors.New("config: hooks_script_path is required when hooks_enabled is set")
	}
	return nil
}

// BuildScriptHandler returns nil when hooks are disabled.
func (c Config) BuildScriptHandler() Handler {
	if !c.Enabled {
		return nil
	}
	return NewScriptHandler(ScriptConfig{
		Command: c.ScriptPath,
		Args:    c.ScriptArgs,
		Env:     c.Env,
		Timeout: c.Timeout,
	})
}

// ABOUTME: Execution options carried from web clients through the relay to agents
// ABOUTME: Closed set of named fields plus an Extra map that round-trips unknown keys

package protocol

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// ExecOptions are the options an agent applies when running a command.
// Unknown JSON keys are preserved in Extra and written back out on encode.
type ExecOptions struct {
	ContinueSession  *bool    `json:"continueSession,omitempty"`
	Resume           string   `json:"resume,omitempty"`
	SessionFile      string   `json:"sessionFile,omitempty"`
	MaxTurns         int      `json:"maxTurns,omitempty"`
	Timeout          int64    `json:"timeout,omitempty"`
	TimeoutMs        int64    `json:"timeoutMs,omitempty"`
	Cwd              string   `json:"cwd,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	SystemPrompt     string   `json:"systemPrompt,omitempty"`
	AllowedTools     []string `json:"allowedTools,omitempty"`
	PermissionMode   string   `json:"permissionMode,omitempty"`
	StreamOutput     *bool    `json:"streamOutput,omitempty"`
	Model            string   `json:"model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`

	Extra map[string]any `json:"-"`
}

// execOptionsFields has the same layout without the JSON methods.
type execOptionsFields ExecOptions

var knownOptionKeys = map[string]bool{
	"continueSession":  true,
	"resume":           true,
	"sessionFile":      true,
	"maxTurns":         true,
	"timeout":          true,
	"timeoutMs":        true,
	"cwd":              true,
	"workingDirectory": true,
	"systemPrompt":     true,
	"allowedTools":     true,
	"permissionMode":   true,
	"streamOutput":     true,
	"model":            true,
	"temperature":      true,
}

func (o ExecOptions) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(execOptionsFields(o))
	if err != nil || len(o.Extra) == 0 {
		return data, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range o.Extra {
		if knownOptionKeys[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

func (o *ExecOptions) UnmarshalJSON(data []byte) error {
	var fields execOptionsFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*o = ExecOptions(fields)
	o.Extra = nil
	for k, v := range raw {
		if knownOptionKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if o.Extra == nil {
			o.Extra = make(map[string]any)
		}
		o.Extra[k] = val
	}
	return nil
}

// Clone returns a deep copy.
func (o ExecOptions) Clone() ExecOptions {
	c := o
	c.AllowedTools = slices.Clone(o.AllowedTools)
	c.Extra = maps.Clone(o.Extra)
	if o.ContinueSession != nil {
		v := *o.ContinueSession
		c.ContinueSession = &v
	}
	if o.StreamOutput != nil {
		v := *o.StreamOutput
		c.StreamOutput = &v
	}
	if o.Temperature != nil {
		v := *o.Temperature
		c.Temperature = &v
	}
	return c
}

// Dir is the working directory the command should run in.
func (o ExecOptions) Dir() string {
	if o.WorkingDirectory != "" {
		return o.WorkingDirectory
	}
	return o.Cwd
}

// MaxTimeout caps command timeouts; larger millisecond values would overflow time.Duration.
const MaxTimeout = 24 * time.Hour

// TimeoutTooLarge reports whether timeout or timeoutMs exceeds MaxTimeout.
func (o ExecOptions) TimeoutTooLarge() bool {
	limit := MaxTimeout.Milliseconds()
	return o.TimeoutMs > limit || o.Timeout > limit
}

// EffectiveTimeout returns the command timeout, falling back to def when none is set.
// Both timeout and timeoutMs are milliseconds; timeoutMs wins. The result never exceeds MaxTimeout.
func (o ExecOptions) EffectiveTimeout(def time.Duration) time.Duration {
	ms := o.TimeoutMs
	if ms <= 0 {
		ms = o.Timeout
	}
	if ms <= 0 {
		return def
	}
	if ms > MaxTimeout.Milliseconds() {
		return MaxTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// WithDefaultTimeout returns a copy with TimeoutMs set to def when no timeout is present.
func (o ExecOptions) WithDefaultTimeout(def time.Duration) ExecOptions {
	c := o.Clone()
	if c.TimeoutMs <= 0 && c.Timeout <= 0 {
		c.TimeoutMs = def.Milliseconds()
	}
	return c
}

// MergeOptions fills every unset field of api from the legacy fields.
// Values present in api always win.
func MergeOptions(api ExecOptions, legacy LegacyOptions, workingDirectory string) ExecOptions {
	merged := api.Clone()

	if merged.WorkingDirectory == "" {
		merged.WorkingDirectory = workingDirectory
	}
	if merged.Cwd == "" {
		merged.Cwd = legacy.Cwd
	}
	if merged.ContinueSession == nil && legacy.ContinueSession != nil {
		v := *legacy.ContinueSession
		merged.ContinueSession = &v
	}
	if len(merged.AllowedTools) == 0 && len(legacy.AllowedTools) > 0 {
		merged.AllowedTools = slices.Clone(legacy.AllowedTools)
	}
	if merged.SystemPrompt == "" {
		merged.SystemPrompt = legacy.SystemPrompt
	}
	if merged.MaxTurns == 0 {
		merged.MaxTurns = legacy.MaxTurns
	}
	if merged.TimeoutMs == 0 {
		merged.TimeoutMs = legacy.TimeoutMs
	}
	return merged
}

// MergedOptions combines apiOptions with the legacy fields of the request.
func (c *ExecuteCommand) MergedOptions() ExecOptions {
	var legacy LegacyOptions
	if c.Options != nil {
		legacy = *c.Options
	}
	if legacy.ContinueSession == nil {
		legacy.ContinueSession = c.ContinueSession
	}
	var api ExecOptions
	if c.APIOptions != nil {
		api = *c.APIOptions
	}
	return MergeOptions(api, legacy, c.WorkingDirectory)
}

// Package capability holds the local implementations of the engine's
// outbound capabilities: a script runner that executes files from a
// script directory and an HTTP client for a PSA ticket bridge.
package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/pipeline"
	"github.com/ppiankov/autoremedy/internal/redact"
)

// maxOutput caps the captured stdout and stderr of one run.
const maxOutput = 64 * 1024

// ErrScriptNotFound is returned for a reference with no matching file.
var ErrScriptNotFound = errors.New("script not found")

// ScriptConfig configures the local script runner.
type ScriptConfig struct {
	// Dir holds the scripts; references are resolved inside it.
	Dir string `yaml:"dir"`
	// Shell runs each script, e.g. ["/bin/sh"] or ["pwsh", "-File"].
	// Empty executes the file directly.
	Shell []string `yaml:"shell"`
	// Timeout bounds one run on top of the rule's execution budget.
	Timeout time.Duration `yaml:"timeout"`
}

// ScriptRunner runs scripts from a directory on this host. The device id
// and parameters are passed through the environment.
type ScriptRunner struct {
	cfg    ScriptConfig
	logger *zap.Logger
	scrub  *redact.Scrubber
}

// NewScriptRunner returns a runner for cfg.
func NewScriptRunner(cfg ScriptConfig, logger *zap.Logger) *ScriptRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptRunner{cfg: cfg, logger: logger}
}

// WithScrubber masks credentials in captured output.
func (r *ScriptRunner) WithScrubber(s *redact.Scrubber) *ScriptRunner {
	r.scrub = s
	return r
}

// RunScript implements pipeline.ScriptRunner. A non-zero exit is reported
// as an unsuccessful result, not an error.
func (r *ScriptRunner) RunScript(ctx context.Context, ref, deviceID string, params map[string]string) (pipeline.ScriptResult, error) {
	path, err := r.resolve(ref)
	if err != nil {
		return pipeline.ScriptResult{}, err
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	name, args := path, []string(nil)
	if len(r.cfg.Shell) > 0 {
		name, args = r.cfg.Shell[0], append(append([]string(nil), r.cfg.Shell[1:]...), path)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.cfg.Dir
	cmd.Env = append(os.Environ(), scriptEnv(deviceID, params)...)
	var out cappedBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Children that outlive a killed script must not hold the run open.
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	res := pipeline.ScriptResult{Output: r.scrub.Text(strings.TrimSpace(out.String()))}
	log := r.logger.With(
		zap.String("script", ref),
		zap.String("device_id", deviceID),
		zap.Duration("duration", time.Since(start)))

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Success = true
		log.Debug("script finished")
		return res, nil
	case ctx.Err() != nil:
		return res, fmt.Errorf("script %s: %w", ref, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		log.Info("script exited non-zero", zap.Int("exit_code", res.ExitCode))
		return res, nil
	default:
		return res, fmt.Errorf("start script %s: %w", ref, err)
	}
}

// resolve maps a reference to a file inside Dir. "builtin:<name>" refers
// to <name> with any extension.
func (r *ScriptRunner) resolve(ref string) (string, error) {
	if r.cfg.Dir == "" {
		return "", fmt.Errorf("script %s: no script directory configured: %w", ref, pipeline.ErrCapabilityUnavailable)
	}
	name, builtin := strings.CutPrefix(ref, "builtin:")
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid script reference %q", ref)
	}
	dir, err := filepath.Abs(r.cfg.Dir)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Clean(name))
	if rel, err := filepath.Rel(dir, path); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("script reference %q escapes the script directory", ref)
	}

	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return path, nil
	}
	if builtin {
		matches, _ := filepath.Glob(path + ".*")
		sort.Strings(matches)
		if len(matches) > 0 {
			return matches[0], nil
		}
	}
	return "", fmt.Errorf("%s: %w", ref, ErrScriptNotFound)
}

// scriptEnv exposes the device and parameters as AUTOREMEDY_* variables.
func scriptEnv(deviceID string, params map[string]string) []string {
	env := []string{"AUTOREMEDY_DEVICE_ID=" + deviceID}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "AUTOREMEDY_PARAM_"+envName(k)+"="+params[k])
	}
	return env
}

func envName(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, k)
}

// cappedBuffer keeps the first maxOutput bytes and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := maxOutput - c.buf.Len(); room < len(p) {
		if room > 0 {
			c.buf.Write(p[:room])
		}
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "\n[output truncated]"
	}
	return c.buf.String()
}

var _ pipeline.ScriptRunner = (*ScriptRunner)(nil)

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/calder/mnemo/internal/logger"
	"github.com/calder/mnemo/internal/observability"
	"github.com/rs/zerolog"
)

const oneShotChannelName = "oneshot"

// OneShotConfig configures the one-shot subprocess channel
type OneShotConfig struct {
	Command    string
	ScriptPath string
	Env        map[string]string

	// Per-method wall-clock budgets; DefaultTimeout applies to methods
	// not listed.
	Timeouts       map[string]time.Duration
	DefaultTimeout time.Duration

	// MaxOutputBytes is the receive-buffer ceiling for worker stdout
	MaxOutputBytes int
}

// OneShotChannel spawns a fresh worker process per dispatch. The process
// receives the method and params as a JSON document on stdin and must
// print a single JSON response document on stdout before exiting.
type OneShotChannel struct {
	config   OneShotConfig
	redactor *logger.Redactor
	logger   zerolog.Logger
}

// NewOneShotChannel creates a one-shot subprocess channel
func NewOneShotChannel(cfg OneShotConfig, redactor *logger.Redactor, log zerolog.Logger) *OneShotChannel {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 4 * 1024 * 1024
	}
	if redactor == nil {
		redactor = logger.NewRedactor()
	}
	return &OneShotChannel{
		config:   cfg,
		redactor: redactor,
		logger:   log.With().Str("channel", oneShotChannelName).Logger(),
	}
}

// Name identifies the channel in logs and metrics
func (o *OneShotChannel) Name() string { return oneShotChannelName }

// Dispatch runs one worker process to completion
func (o *OneShotChannel) Dispatch(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	timeout := o.config.DefaultTimeout
	if t, ok := o.config.Timeouts[method]; ok {
		timeout = t
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode worker input: %w", err)
	}

	cmd := exec.CommandContext(execCtx, o.config.Command, o.config.ScriptPath, "--method", method)
	cmd.Env = buildEnvironment(o.config.Env)
	cmd.Stdin = bytes.NewReader(input)

	// Both pipes are bounded so a misbehaving worker cannot balloon this
	// process; stderr only needs enough for diagnostics.
	stdout := &cappedBuffer{limit: o.config.MaxOutputBytes}
	stderr := &cappedBuffer{limit: 64 * 1024}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()

	if err := cmd.Start(); err != nil {
		observability.RecordDispatch(oneShotChannelName, method, time.Since(start), false)
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	if sink := pidSinkFromContext(ctx); sink != nil {
		sink(cmd.Process.Pid)
	}

	runErr := cmd.Wait()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		observability.RecordDispatch(oneShotChannelName, method, duration, false)
		o.logger.Warn().
			Str("method", method).
			Dur("duration", duration).
			Msg("Worker process timed out")
		return nil, fmt.Errorf("%w: %s after %s", ErrDispatchTimeout, method, timeout)
	}

	if stdout.overflowed {
		observability.RecordDispatch(oneShotChannelName, method, duration, false)
		return nil, fmt.Errorf("%w: stdout exceeded %d bytes", ErrOutputTooLarge, o.config.MaxOutputBytes)
	}

	if runErr != nil {
		observability.RecordDispatch(oneShotChannelName, method, duration, false)
		diag := o.redactor.Sanitize(stderr.String())
		o.logger.Error().
			Str("method", method).
			Int("exit_code", cmd.ProcessState.ExitCode()).
			Str("stderr", diag).
			Msg("Worker process failed")
		return nil, fmt.Errorf("worker exited with code %d: %s", cmd.ProcessState.ExitCode(), diag)
	}

	result, err := o.parseResponse(stdout.Bytes())
	if err != nil {
		observability.RecordDispatch(oneShotChannelName, method, duration, false)
		o.logger.Error().
			Str("method", method).
			Str("stdout", o.redactor.Sanitize(stdout.String())).
			Err(err).
			Msg("Worker response unparseable")
		return nil, err
	}

	observability.RecordDispatch(oneShotChannelName, method, duration, true)
	o.logger.Debug().
		Str("method", method).
		Dur("duration", duration).
		Msg("Worker process completed")

	return result, nil
}

// parseResponse decodes the single JSON document the worker must print.
// An {error: ...} envelope is a worker-reported failure; a {result: ...}
// envelope unwraps to the result; a bare object is taken as the result.
func (o *OneShotChannel) parseResponse(output []byte) (map[string]any, error) {
	var resp struct {
		Result map[string]any `json:"result"`
		Error  *RPCError      `json:"error"`
	}

	dec := json.NewDecoder(bytes.NewReader(output))
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	// Exactly one document: trailing content past the first JSON value is
	// as unparseable as no JSON at all.
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing content after response document", ErrBadResponse)
	}

	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Result != nil {
		return resp.Result, nil
	}

	var bare map[string]any
	if err := json.Unmarshal(output, &bare); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return bare, nil
}

// cappedBuffer keeps at most limit bytes and swallows the rest, so the
// worker keeps running while this process stays bounded. Overflow is
// remembered rather than silently truncated.
type cappedBuffer struct {
	limit      int
	buf        bytes.Buffer
	overflowed bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
			b.overflowed = true
		}
		b.buf.Write(p)
	} else if n > 0 {
		b.overflowed = true
	}
	return n, nil
}

func (b *cappedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *cappedBuffer) String() string { return b.buf.String() }

// buildEnvironment starts from a minimal environment and layers the
// configured worker variables on top.
func buildEnvironment(env map[string]string) []string {
	result := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
	}
	for key, value := range env {
		result = append(result, fmt.Sprintf("%s=%s", key, value))
	}
	return result
}

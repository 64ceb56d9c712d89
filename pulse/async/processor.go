package async

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/studioos/am"
	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/internal/httpclient"
	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/version"
)

var commandContext = exec.CommandContext

const (
	// maxEventLine bounds a single NDJSON event from a processor
	maxEventLine = 1 << 20
	// stderrTail is how much processor stderr is kept for error messages
	stderrTail = 4 << 10
)

// ProcessRequest is what a processing function receives, as JSON on stdin
// for commands or as the POST body for remote services
type ProcessRequest struct {
	JobID      string          `json:"jobId"`
	Type       string          `json:"type"`
	Attempt    int             `json:"attempt"`
	ProjectID  string          `json:"projectId,omitempty"`
	AssetIDs   []string        `json:"assetIds"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// processEvent is one NDJSON line emitted by a processing function.
//
//	{"event":"progress","phase":"analyze","percent":40,"message":"..."}
//	{"event":"result","outputs":["key1"],"message":"..."}
//	{"event":"error","error":"...","code":"decode_error"}
type processEvent struct {
	Event   string   `json:"event"`
	Phase   string   `json:"phase,omitempty"`
	Percent int      `json:"percent,omitempty"`
	Message string   `json:"message,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
	Error   string   `json:"error,omitempty"`
	Code    string   `json:"code,omitempty"`
}

func newProcessRequest(job *Job) ProcessRequest {
	return ProcessRequest{
		JobID:      job.ID,
		Type:       job.Type,
		Attempt:    job.Attempts,
		ProjectID:  job.ProjectID,
		AssetIDs:   job.AssetIDs,
		Parameters: job.Parameters,
	}
}

// consumeEvents reads processor events until EOF, forwarding progress.
// It returns the final result, the processor-reported error, or the
// reporter's error (cancellation) as soon as one occurs.
func consumeEvents(r io.Reader, progress ProgressReporter, log *zap.SugaredLogger) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventLine)

	var result *Result
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev processEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Debugw("Ignoring non-event processor output", "line", string(line))
			continue
		}

		switch ev.Event {
		case "progress":
			if err := progress.Report(ev.Phase, ev.Percent, ev.Message); err != nil {
				return nil, err
			}
		case "result":
			result = &Result{Outputs: ev.Outputs, Message: ev.Message}
		case "error":
			msg := ev.Error
			if msg == "" {
				msg = "processor reported an error"
			}
			code := ErrorCode(ev.Code)
			if code == "" {
				code = ErrorCodeProcessor
			}
			return nil, WithCode(errors.New(msg), code)
		default:
			log.Debugw("Ignoring unknown processor event", "event", ev.Event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, WithCode(errors.Wrap(err, "failed to read processor output"), ErrorCodeDecode)
	}
	if result == nil {
		result = &Result{}
	}
	return result, nil
}

// CommandHandler runs a local binary per attempt. The job is written to
// stdin as JSON; progress and the result are read from stdout as NDJSON.
type CommandHandler struct {
	jobType string
	argv    []string
	logger  *zap.SugaredLogger
}

// NewCommandHandler parses a shell-quoted command line
func NewCommandHandler(jobType, commandLine string, log *zap.SugaredLogger) (*CommandHandler, error) {
	argv, err := shellquote.Split(commandLine)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid command for job type %s", jobType)
	}
	if len(argv) == 0 {
		return nil, errors.Newf("empty command for job type %s", jobType)
	}
	if log == nil {
		log = logger.Logger
	}
	return &CommandHandler{jobType: jobType, argv: argv, logger: log.Named("processor")}, nil
}

// Name returns the job type served
func (h *CommandHandler) Name() string { return h.jobType }

// Execute runs the command once
func (h *CommandHandler) Execute(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error) {
	input, err := json.Marshal(newProcessRequest(job))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal process request")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := commandContext(runCtx, h.argv[0], h.argv[1:]...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(input)
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, WithCode(errors.Wrapf(err, "failed to start %s", h.argv[0]), ErrorCodeProcessor)
	}

	log := logger.FromContext(ctx, h.logger)
	log.Debugw("Processor started", "command", h.argv[0], "pid", cmd.Process.Pid)

	result, streamErr := consumeEvents(stdout, progress, log)
	if streamErr != nil {
		cancel()
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	if streamErr != nil {
		return nil, streamErr
	}
	if ctx.Err() != nil {
		return nil, cancellationCause(ctx)
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		err := errors.Wrapf(waitErr, "%s exited with error", h.argv[0])
		if msg != "" {
			err = errors.WithDetail(err, msg)
			err = errors.Wrapf(err, "%s", lastLine(msg))
		}
		return nil, WithCode(err, ErrorCodeProcessor)
	}
	return result, nil
}

// RemoteHandler posts the job to a processing service and reads the
// streamed NDJSON response
type RemoteHandler struct {
	jobType string
	url     string
	client  *httpclient.SaferClient
	logger  *zap.SugaredLogger
}

// NewRemoteHandler creates a handler for a processing service URL
func NewRemoteHandler(jobType, url string, client *httpclient.SaferClient, log *zap.SugaredLogger) (*RemoteHandler, error) {
	if _, err := client.ValidateURL(url); err != nil {
		return nil, errors.Wrapf(err, "invalid processor url for job type %s", jobType)
	}
	if log == nil {
		log = logger.Logger
	}
	return &RemoteHandler{jobType: jobType, url: url, client: client, logger: log.Named("processor")}, nil
}

// Name returns the job type served
func (h *RemoteHandler) Name() string { return h.jobType }

// Execute performs one remote processing request
func (h *RemoteHandler) Execute(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error) {
	body, err := json.Marshal(newProcessRequest(job))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal process request")
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancellationCause(ctx)
		}
		return nil, WithCode(errors.Wrap(err, "processing service request failed"), ErrorCodeNetwork)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, stderrTail))
		err := errors.Newf("processing service returned %d", resp.StatusCode)
		if len(snippet) > 0 {
			err = errors.WithDetail(err, string(snippet))
		}
		return nil, WithCode(err, ErrorCodeProcessor)
	}

	result, err := consumeEvents(resp.Body, progress, logger.FromContext(ctx, h.logger))
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancellationCause(ctx)
		}
		return nil, err
	}
	return result, nil
}

// RegisterProcessors registers a handler for every configured job type
func RegisterProcessors(registry *HandlerRegistry, processors map[string]am.ProcessorConfig, log *zap.SugaredLogger) error {
	for jobType, p := range processors {
		var (
			handler JobHandler
			err     error
		)
		if p.Command != "" {
			handler, err = NewCommandHandler(jobType, p.Command, log)
		} else {
			client := httpclient.New(0, httpclient.Options{
				AllowPrivateNetwork: p.AllowPrivateNetwork,
				UserAgent:           version.UserAgent("engine"),
			})
			handler, err = NewRemoteHandler(jobType, p.URL, client, log)
		}
		if err != nil {
			return err
		}
		registry.Register(handler)
	}
	return nil
}

// tailBuffer keeps the last max bytes written
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

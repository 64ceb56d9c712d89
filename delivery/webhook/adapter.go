// Package webhook is a generic HTTP platform adapter.
//
// Protocol, relative to the configured endpoint:
//
//	POST   {endpoint}/deliveries         submit; 2xx {"handle": "..."}, 422 rejects the content
//	GET    {endpoint}/deliveries/{handle} status; {"status","progress","url","error"}
//	DELETE {endpoint}/deliveries/{handle} withdraw; 404 counts as withdrawn
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/teranos/studioos/delivery"
	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/internal/httpclient"
	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/version"
)

const (
	// DefaultTimeout bounds one platform request
	DefaultTimeout = 30 * time.Second
	// maxBody bounds how much of a response is read
	maxBody = 1 << 20
)

// Adapter delivers to one platform over the webhook protocol
type Adapter struct {
	platform delivery.PlatformID
	endpoint *url.URL
	client   *httpclient.SaferClient
	logger   *zap.SugaredLogger

	mu     sync.RWMutex
	apiKey string
}

type submitRequest struct {
	Platform delivery.PlatformID `json:"platform"`
	Assets   []delivery.AssetRef `json:"assets"`
}

type submitResponse struct {
	Handle string `json:"handle"`
	Error  string `json:"error,omitempty"`
}

// New creates an adapter for cfg. A nil client gets a SaferClient honoring
// cfg.AllowPrivateNetwork.
func New(cfg delivery.PlatformConfig, client *httpclient.SaferClient, log *zap.SugaredLogger) (*Adapter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.NewInvalidRequestError("platform %s has no endpoint", cfg.ID)
	}
	if client == nil {
		client = httpclient.New(DefaultTimeout, httpclient.Options{
			AllowPrivateNetwork: cfg.AllowPrivateNetwork,
			UserAgent:           version.UserAgent("delivery"),
		})
	}
	endpoint, err := client.ValidateURL(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid endpoint for platform %s", cfg.ID)
	}
	if log == nil {
		log = logger.Logger
	}
	return &Adapter{
		platform: cfg.ID,
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		client:   client,
		logger:   log.Named("webhook").With(logger.FieldPlatform, cfg.ID),
	}, nil
}

// Platform returns the platform id
func (a *Adapter) Platform() delivery.PlatformID { return a.platform }

// Reconfigure takes the credentials of a reloaded configuration
func (a *Adapter) Reconfigure(cfg delivery.PlatformConfig) {
	a.mu.Lock()
	a.apiKey = cfg.APIKey
	a.mu.Unlock()
}

func (a *Adapter) key() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.apiKey
}

// Submit posts the assets and returns the platform's handle. A key in cfg
// replaces the one the adapter was built with.
func (a *Adapter) Submit(ctx context.Context, assets []delivery.AssetRef, cfg delivery.PlatformConfig) (delivery.Handle, error) {
	if cfg.APIKey != "" && cfg.APIKey != a.key() {
		a.Reconfigure(cfg)
	}
	body, err := json.Marshal(submitRequest{Platform: a.platform, Assets: assets})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal submission")
	}

	resp, data, err := a.do(ctx, http.MethodPost, a.url("deliveries"), body)
	if err != nil {
		return "", err
	}

	var out submitResponse
	decodeErr := json.Unmarshal(data, &out)

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		if decodeErr != nil {
			logger.FromContext(ctx, a.logger).Debugw("Rejection body is not JSON", logger.FieldError, decodeErr)
		}
		msg := out.Error
		if msg == "" {
			msg = snippet(data)
		}
		return "", errors.Wrap(delivery.ErrRejected, msg)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if decodeErr != nil {
			return "", errors.WithDetail(errors.Wrap(decodeErr, "failed to decode submission response"), snippet(data))
		}
		if out.Handle == "" {
			return "", errors.New("platform accepted the submission without a handle")
		}
		logger.FromContext(ctx, a.logger).Debugw("Submission accepted", "handle", out.Handle, "assets", len(assets))
		return delivery.Handle(out.Handle), nil
	default:
		return "", statusError(resp, data)
	}
}

// Status fetches the current state of a submission
func (a *Adapter) Status(ctx context.Context, h delivery.Handle) (delivery.StatusReport, error) {
	resp, data, err := a.do(ctx, http.MethodGet, a.url("deliveries", string(h)), nil)
	if err != nil {
		return delivery.StatusReport{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return delivery.StatusReport{}, statusError(resp, data)
	}

	var report delivery.StatusReport
	if err := json.Unmarshal(data, &report); err != nil {
		return delivery.StatusReport{}, errors.Wrap(err, "failed to decode platform status")
	}
	status, err := delivery.ParseStatus(string(report.Status))
	if err != nil {
		return delivery.StatusReport{}, err
	}
	report.Status = status
	return report, nil
}

// Cancel withdraws a submission
func (a *Adapter) Cancel(ctx context.Context, h delivery.Handle) error {
	resp, data, err := a.do(ctx, http.MethodDelete, a.url("deliveries", string(h)), nil)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return statusError(resp, data)
	}
}

func (a *Adapter) url(parts ...string) string {
	u := *a.endpoint
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	// RawPath keeps a "/" inside a handle from splitting the path
	u.RawPath = strings.TrimRight(a.endpoint.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(parts, "/")
	return u.String()
}

func (a *Adapter) do(ctx context.Context, method, target string, body []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create platform request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := a.key(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s %s failed", method, a.platform)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read platform response")
	}
	return resp, data, nil
}

func statusError(resp *http.Response, data []byte) error {
	err := errors.Newf("platform returned %d", resp.StatusCode)
	if s := snippet(data); s != "" {
		err = errors.WithDetail(err, s)
	}
	return err
}

const snippetLen = 200

// snippet trims a response body for error details, cutting on a rune boundary
func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) <= snippetLen {
		return s
	}
	cut := snippetLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

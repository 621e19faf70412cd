package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/openvault/dossier/constants"
	"github.com/openvault/dossier/internal/common"
)

// Descriptor identifies one remote document to acquire.
type Descriptor struct {
	SourceURL string
	Filename  string
}

// Fetcher is the narrow seam in front of the gate-bypass mechanism. The
// download stage's retry and integrity logic only ever sees this, so the
// automation engine behind it can be swapped without touching either.
type Fetcher interface {
	Fetch(ctx context.Context, d Descriptor) ([]byte, error)
}

// GatedFetcher fetches documents from a source protected by a client-side
// consent interstitial. Plain HTTP is tried first; when the gate answers
// instead of the payload, a pooled automation session clears it and hands
// its cookies back to the HTTP client for the real fetch.
type GatedFetcher struct {
	client         *http.Client
	sessions       *SessionPool
	gateURLPattern string
	logger         *slog.Logger
}

func NewGatedFetcher(cfg common.FetchConfig, sessions *SessionPool, logger *slog.Logger) (*GatedFetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &GatedFetcher{
		client: &http.Client{
			Jar:     jar,
			Timeout: cfg.RequestTimeout,
		},
		sessions:       sessions,
		gateURLPattern: cfg.GateURLPattern,
		logger:         logger,
	}, nil
}

func (f *GatedFetcher) Fetch(ctx context.Context, d Descriptor) ([]byte, error) {
	data, gated, err := f.direct(ctx, d.SourceURL)
	if err != nil {
		return nil, err
	}
	if !gated {
		return data, nil
	}

	f.logger.Debug("consent gate detected", "url", d.SourceURL)

	session, err := f.sessions.Acquire(ctx)
	if err != nil {
		return nil, common.NewPipelineError(common.ErrGateBypass, constants.ReasonGateBypassExhausted,
			"no automation session available", err)
	}
	cookies, err := session.ClearGate(ctx, d.SourceURL)
	f.sessions.Release(session, err == nil)
	if err != nil {
		return nil, common.NewPipelineError(common.ErrGateBypass, constants.ReasonGateBypassExhausted,
			"consent flow failed", err)
	}
	f.importCookies(d.SourceURL, cookies)

	data, gated, err = f.direct(ctx, d.SourceURL)
	if err != nil {
		return nil, err
	}
	if gated {
		// The click went through but the source still answers with the
		// interstitial; treat the whole attempt as a bypass failure.
		return nil, common.NewPipelineError(common.ErrGateBypass, constants.ReasonGateBypassExhausted,
			"gate persisted after consent flow", nil)
	}
	return data, nil
}

// direct performs a plain HTTP fetch and reports whether the response was
// the consent gate rather than the payload.
func (f *GatedFetcher) direct(ctx context.Context, sourceURL string) (data []byte, gated bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, common.NewPipelineError(common.ErrTransientNetwork, constants.ReasonNetworkExhausted,
			"fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, false, common.NewPipelineError(common.ErrTransientNetwork, constants.ReasonNetworkExhausted,
			fmt.Sprintf("source returned %s", resp.Status), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("source returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, common.NewPipelineError(common.ErrTransientNetwork, constants.ReasonNetworkExhausted,
			"read body", err)
	}

	finalURL := sourceURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	if f.isGate(finalURL, resp.Header.Get("Content-Type"), body) {
		return nil, true, nil
	}
	return body, false, nil
}

// isGate flags a response that is the interstitial instead of the payload:
// either the request was redirected onto the gate URL, or an HTML document
// came back where a binary was expected.
func (f *GatedFetcher) isGate(finalURL, contentType string, body []byte) bool {
	if f.gateURLPattern != "" && strings.Contains(finalURL, f.gateURLPattern) {
		return true
	}
	if strings.Contains(contentType, "text/html") {
		return true
	}
	return LooksLikeHTML(body)
}

func (f *GatedFetcher) importCookies(sourceURL string, cookies []*http.Cookie) {
	req, err := http.NewRequest(http.MethodGet, sourceURL, nil)
	if err != nil {
		return
	}
	f.client.Jar.SetCookies(req.URL, cookies)
}

// Close tears down the automation sessions.
func (f *GatedFetcher) Close(timeout time.Duration) {
	f.sessions.Close(timeout)
}

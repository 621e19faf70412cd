package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/openvault/dossier/internal/common"
)

// Session is one live browser context. Establishing a browser is expensive,
// so sessions are pooled and reused across fetches instead of being spun up
// per document.
type Session struct {
	ctx          context.Context
	cancel       context.CancelFunc
	gateSelector string
	gateTimeout  time.Duration
	logger       *slog.Logger
}

// ClearGate navigates to the gated URL, activates the accept control, and
// returns the cookies the consent flow produced.
func (s *Session) ClearGate(ctx context.Context, gatedURL string) ([]*http.Cookie, error) {
	runCtx, cancel := context.WithTimeout(s.ctx, s.gateTimeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	var cookies []*http.Cookie
	err := chromedp.Run(runCtx,
		chromedp.Navigate(gatedURL),
		chromedp.WaitVisible(s.gateSelector, chromedp.ByQuery),
		chromedp.Click(s.gateSelector, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.ActionFunc(func(ctx context.Context) error {
			cs, err := storage.GetCookies().Do(ctx)
			if err != nil {
				return err
			}
			for _, c := range cs {
				cookies = append(cookies, &http.Cookie{
					Name:   c.Name,
					Value:  c.Value,
					Domain: c.Domain,
					Path:   c.Path,
				})
			}
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("consent interaction: %w", err)
	}
	s.logger.Debug("consent gate cleared", "url", gatedURL, "cookies", len(cookies))
	return cookies, nil
}

func (s *Session) close() {
	s.cancel()
}

// SessionPool bounds the number of concurrent browser contexts. Contention
// blocks acquisition workers only; other stages never touch the pool.
type SessionPool struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	slots       chan *Session
	cfg         common.FetchConfig
	logger      *slog.Logger
}

// NewSessionPool prepares a shared browser allocator and size empty slots.
// Sessions are established lazily on first acquire.
func NewSessionPool(ctx context.Context, cfg common.FetchConfig, logger *slog.Logger) *SessionPool {
	if logger == nil {
		logger = slog.Default()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)

	slots := make(chan *Session, cfg.SessionPoolSize)
	for i := 0; i < cfg.SessionPoolSize; i++ {
		slots <- nil // lazy slot
	}
	return &SessionPool{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		slots:       slots,
		cfg:         cfg,
		logger:      logger,
	}
}

// Acquire checks out a session, establishing the browser context if the
// slot is still empty. Blocks until a slot frees or ctx is cancelled.
func (p *SessionPool) Acquire(ctx context.Context) (*Session, error) {
	select {
	case s := <-p.slots:
		if s != nil {
			return s, nil
		}
		return p.establish()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a session to the pool. A session whose consent flow
// failed is discarded; its slot is re-established lazily on next acquire.
func (p *SessionPool) Release(s *Session, healthy bool) {
	if s == nil {
		return
	}
	if !healthy {
		s.close()
		p.slots <- nil
		return
	}
	p.slots <- s
}

func (p *SessionPool) establish() (*Session, error) {
	browserCtx, cancel := chromedp.NewContext(p.allocCtx)
	// Start the browser now so failures surface as pool errors, not midway
	// through a consent flow.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		p.slots <- nil
		return nil, fmt.Errorf("start browser: %w", err)
	}
	p.logger.Debug("automation session established")
	return &Session{
		ctx:          browserCtx,
		cancel:       cancel,
		gateSelector: p.cfg.GateSelector,
		gateTimeout:  p.cfg.GateTimeout,
		logger:       p.logger,
	}, nil
}

// Close drains and tears down every session.
func (p *SessionPool) Close(timeout time.Duration) {
	deadline := time.After(timeout)
	for i := 0; i < cap(p.slots); i++ {
		select {
		case s := <-p.slots:
			if s != nil {
				s.close()
			}
		case <-deadline:
			p.allocCancel()
			return
		}
	}
	p.allocCancel()
}

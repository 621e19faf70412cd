package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/openvault/dossier/internal/common"
	"github.com/openvault/dossier/internal/entity"
	"github.com/openvault/dossier/internal/repository"
	"github.com/openvault/dossier/internal/retry"
)

const maxPagesPerSet = 500 // safety stop against a listing that never drains

// Scanner enumerates document candidates across the configured sets by
// walking listing pages until a page contributes nothing new.
type Scanner struct {
	client    *http.Client
	docs      repository.DocumentRepository
	baseURL   string
	pageParam string
	userAgent string
	policy    retry.Policy
	logger    *slog.Logger
}

func NewScanner(client *http.Client, docs repository.DocumentRepository, cfg common.SourceConfig, policy retry.Policy, logger *slog.Logger) *Scanner {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	pageParam := cfg.PageParam
	if pageParam == "" {
		pageParam = "page"
	}
	return &Scanner{
		client:    client,
		docs:      docs,
		baseURL:   cfg.BaseURL,
		pageParam: pageParam,
		userAgent: cfg.UserAgent,
		policy:    policy,
		logger:    logger,
	}
}

// Summary reports one discovery run across all sets.
type Summary struct {
	Sets    int
	Pages   int
	Found   int
	Created int
	Errors  []error
}

// Discover walks every set. A set that fails after its retry budget is
// recorded in the summary but does not stop the remaining sets; only a
// store write failure aborts the run.
func (s *Scanner) Discover(ctx context.Context, sets []string) (*Summary, error) {
	sum := &Summary{Sets: len(sets)}
	seen := make(map[string]struct{})

	for _, set := range sets {
		if err := s.discoverSet(ctx, set, seen, sum); err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			s.logger.Error("set discovery failed", "set", set, "error", err)
			sum.Errors = append(sum.Errors, fmt.Errorf("set %s: %w", set, err))
		}
	}

	s.logger.Info("discovery complete",
		"sets", sum.Sets, "pages", sum.Pages, "found", sum.Found,
		"created", sum.Created, "failed_sets", len(sum.Errors))
	return sum, nil
}

func (s *Scanner) discoverSet(ctx context.Context, set string, seen map[string]struct{}, sum *Summary) error {
	setURL, err := url.JoinPath(s.baseURL, set)
	if err != nil {
		return fmt.Errorf("set url: %w", err)
	}

	for page := 0; page < maxPagesPerSet; page++ {
		pageURL := setURL
		if page > 0 {
			pageURL = fmt.Sprintf("%s?%s=%d", setURL, s.pageParam, page)
		}

		var doc *goquery.Document
		err := s.policy.Do(ctx, func(ctx context.Context) error {
			var ferr error
			doc, ferr = s.fetchListing(ctx, pageURL)
			return ferr
		})
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		sum.Pages++

		added := 0
		var upsertErr error
		doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			href, _ := a.Attr("href")
			cand, ok := s.candidateFromHref(href, a.Text(), set)
			if !ok {
				return true
			}
			if _, dup := seen[cand.NaturalKey()]; dup {
				return true
			}
			seen[cand.NaturalKey()] = struct{}{}

			_, created, err := s.docs.UpsertByKey(ctx, cand)
			if err != nil {
				upsertErr = fmt.Errorf("upsert %s: %w", cand.Filename, err)
				return false
			}
			added++
			sum.Found++
			if created {
				sum.Created++
			}
			return true
		})
		if upsertErr != nil {
			return upsertErr
		}

		s.logger.Debug("listing page scanned", "set", set, "page", page, "new", added)

		// A page that contributes nothing new means the set is exhausted.
		if added == 0 {
			return nil
		}
	}
	return fmt.Errorf("set did not drain within %d pages", maxPagesPerSet)
}

func (s *Scanner) fetchListing(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	return doc, nil
}

func (s *Scanner) candidateFromHref(href, linkText, set string) (entity.Candidate, bool) {
	if !strings.HasSuffix(strings.ToLower(href), ".pdf") {
		return entity.Candidate{}, false
	}

	abs := href
	if !strings.HasPrefix(href, "http") {
		base, err := url.Parse(s.baseURL)
		if err != nil {
			return entity.Candidate{}, false
		}
		ref, err := url.Parse(href)
		if err != nil {
			return entity.Candidate{}, false
		}
		abs = base.ResolveReference(ref).String()
	}

	filename := path.Base(href)
	if unescaped, err := url.QueryUnescape(filename); err == nil {
		filename = unescaped
	}

	title := strings.TrimSpace(linkText)
	if title == "" {
		title = strings.TrimSuffix(filename, path.Ext(filename))
	}

	return entity.Candidate{
		SourceURL: abs,
		Filename:  filename,
		Title:     title,
		SetID:     set,
	}, true
}

package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ragworks/ingest/internal/config"
	"github.com/ragworks/ingest/pkg/apperror"
	"github.com/ragworks/ingest/pkg/logger"
)

const fetchRetryBase = time.Second

// Fetcher downloads remote documents for url_processing jobs. Only http
// and https URLs are accepted.
type Fetcher struct {
	client    *http.Client
	cfg       config.IngestConfig
	log       *slog.Logger
	retryBase time.Duration
}

// NewFetcher creates a fetcher honoring the configured redirect and
// timeout limits
func NewFetcher(cfg config.IngestConfig, log *slog.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.FetchTimeout(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= cfg.MaxRedirects {
					return apperror.ErrTooManyRedirect
				}
				return nil
			},
		},
		cfg:       cfg,
		log:       log.With(logger.Scope("fetcher")),
		retryBase: fetchRetryBase,
	}
}

// Fetch retrieves a URL with linear-backoff retries on retryable
// failures. The n-th retry waits n seconds.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*ParseResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperror.ErrInvalidInput.WithMessage("malformed URL").WithInternal(err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, apperror.ErrInvalidInput.WithMessage(
			fmt.Sprintf("unsupported URL scheme %q", parsed.Scheme))
	}

	var lastErr error
	attempts := f.cfg.FetchRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !apperror.Retryable(err) || attempt == attempts {
			break
		}

		delay := time.Duration(attempt) * f.retryBase
		f.log.Debug("fetch retry",
			slog.String("url", rawURL),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			logger.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, apperror.ErrCancelled.WithInternal(ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (*ParseResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperror.ErrInvalidInput.WithInternal(err)
	}
	req.Header.Set("Accept", "text/html, text/plain, text/markdown, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, apperror.ErrTooManyRedirect) {
			return nil, apperror.ErrTooManyRedirect
		}
		return nil, apperror.ErrFetchFailed.WithInternal(err)
	}
	defer resp.Body.Close()

	if appErr := apperror.FromStatusCode(resp.StatusCode); appErr != nil {
		return nil, appErr.WithMessage(
			fmt.Sprintf("fetch returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxFileSizeBytes+1))
	if err != nil {
		return nil, apperror.ErrFetchFailed.WithInternal(fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > f.cfg.MaxFileSizeBytes {
		return nil, apperror.ErrFileTooLarge
	}
	if len(body) == 0 {
		return nil, apperror.ErrEmptyContent
	}

	kind := "text"
	contentType := normalizeMime(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "html") {
		kind = "html"
	}

	return &ParseResult{
		Content: string(body),
		Kind:    kind,
		Metadata: ParseMetadata{
			FinalURL:   resp.Request.URL.String(),
			StatusCode: resp.StatusCode,
		},
	}, nil
}

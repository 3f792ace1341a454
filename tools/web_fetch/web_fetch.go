package web_fetch

import (
	"context"
	"time"

	"github.com/openscribe/fhirlink/tools/web_fetch/chromedp"
	"github.com/openscribe/fhirlink/tools/web_fetch/httpfetch"
	"github.com/openscribe/fhirlink/tools/web_fetch/models"
)

type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

type FetcherType string

const (
	ChromedpFetcherType FetcherType = "chromedp"
	HTTPFetcherType     FetcherType = "http"
)

const (
	DefaultTimeout  = 15 * time.Second
	MaxCharsDefault = 20000
)

type Error struct {
	Msg string
}

func (e *Error) Error() string { return "web_fetch: " + e.Msg }

var ErrUnsupportedFetcher = &Error{"unsupported fetcher"}

func NewWebFetcher(fetcher FetcherType, timeout time.Duration, maxChars int) (WebFetcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}
	switch fetcher {
	case ChromedpFetcherType:
		return chromedp.Fetch{Timeout: timeout, MaxChars: maxChars}, nil
	case HTTPFetcherType:
		return httpfetch.Fetch{Timeout: timeout, MaxChars: maxChars}, nil
	default:
		return nil, ErrUnsupportedFetcher
	}
}

package httpfetch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/openscribe/fhirlink/internal/helpers"
	"github.com/openscribe/fhirlink/tools/web_fetch/models"
	"github.com/openscribe/fhirlink/utils"
)

// Fetch retrieves documents with a plain HTTP GET. It is the default
// fetcher: API documentation is usually server-rendered and a full
// browser is not worth the startup cost.
type Fetch struct {
	Timeout  time.Duration
	MaxChars int
}

func (f Fetch) Exec(ctx context.Context, target string) (models.Result, error) {
	started := time.Now()

	cctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, target, nil)
	if err != nil {
		return models.Result{URL: target, Status: 599, RenderMS: time.Since(started).Milliseconds()}, nil
	}
	req.Header.Set("User-Agent", "fhirlink/1.0 (+https://github.com/openscribe/fhirlink)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json,text/plain")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		// transport failures are reported in Status, not as errors
		return models.Result{URL: target, Status: 599, RenderMS: time.Since(started).Milliseconds()}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	renderMS := time.Since(started).Milliseconds()
	if err != nil {
		return models.Result{URL: target, Status: 599, RenderMS: renderMS}, nil
	}

	sum := sha1.Sum(body)
	res := models.Result{
		URL:      target,
		HTMLHash: hex.EncodeToString(sum[:]),
		Status:   resp.StatusCode,
		RenderMS: renderMS,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, nil
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "html") {
		// JSON/OpenAPI/plain-text docs pass through untouched
		res.Text = utils.Truncate(string(body), f.MaxChars, "\n... [truncated]")
		return res, nil
	}

	parsed, err := url.Parse(target)
	if err != nil {
		res.Text = utils.Truncate(helpers.SanitizeHTMLStrict(string(body)), f.MaxChars, "\n... [truncated]")
		return res, nil
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil {
		// readability gives up on pages without article structure;
		// stripping the markup keeps the text usable
		res.Text = utils.Truncate(helpers.SanitizeHTMLStrict(string(body)), f.MaxChars, "\n... [truncated]")
		return res, nil
	}

	res.Title = article.Title
	res.Byline = article.Byline
	res.TopImage = article.Image
	if article.PublishedTime != nil {
		res.PublishedAt = article.PublishedTime
	}
	res.Text = utils.Truncate(article.TextContent, f.MaxChars, "\n... [truncated]")
	return res, nil
}

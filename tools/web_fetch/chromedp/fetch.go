package chromedp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/openscribe/fhirlink/tools/web_fetch/models"
	"github.com/openscribe/fhirlink/utils"
)

// Fetch renders the page in headless Chrome before extraction, for
// documentation sites that assemble their content client-side.
type Fetch struct {
	Timeout  time.Duration
	MaxChars int
}

func (f Fetch) Exec(ctx context.Context, target string) (models.Result, error) {
	started := time.Now()

	cctx, cancel := chromedp.NewContext(ctx)
	defer cancel()
	cctx, tcancel := context.WithTimeout(cctx, f.Timeout)
	defer tcancel()

	var html string
	err := chromedp.Run(cctx,
		chromedp.Navigate(target),
		chromedp.OuterHTML("html", &html),
	)
	renderMS := time.Since(started).Milliseconds()
	if err != nil {
		// transport/render failures are reported in Status, not as errors
		return models.Result{URL: target, Status: 599, RenderMS: renderMS}, nil
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return models.Result{URL: target, Status: 599, RenderMS: renderMS}, nil
	}

	sum := sha1.Sum([]byte(html))
	res := models.Result{
		URL:      target,
		HTMLHash: hex.EncodeToString(sum[:]),
		Status:   http.StatusOK,
		RenderMS: renderMS,
	}

	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		res.Text = utils.Truncate(html, f.MaxChars, "\n... [truncated]")
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

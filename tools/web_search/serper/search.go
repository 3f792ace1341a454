package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/openscribe/fhirlink/tools/web_search/models"
	"github.com/openscribe/fhirlink/utils"
)

type Search struct {
	ApiKey string
}

func (s Search) Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error) {
	if len(sites) > 0 {
		var scoped []string
		for _, site := range sites {
			scoped = append(scoped, fmt.Sprintf("site:%s", site))
		}
		q = fmt.Sprintf("%s (%s)", q, strings.Join(scoped, " OR "))
	}

	body := map[string]any{
		"q":   q,
		"num": k,
	}
	if recency > 0 {
		body["tbs"] = fmt.Sprintf("qdr:d%d", recency)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding serper request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://google.serper.dev/search", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("building serper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", s.ApiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling serper: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serper returned status %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding serper response: %w", err)
	}

	var results []models.Result
	organic, _ := payload["organic"].([]any)
	for _, item := range organic {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		results = append(results, models.Result{
			Title:   utils.Str(entry["title"]),
			URL:     utils.Str(entry["link"]),
			Snippet: utils.Str(entry["snippet"]),
		})
		if len(results) >= k {
			break
		}
	}
	return results, nil
}

package models

import "time"

type Result struct {
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	Byline      string     `json:"byline,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Text        string     `json:"text,omitempty"`
	TopImage    string     `json:"top_image,omitempty"`
	HTMLHash    string     `json:"html_hash,omitempty"`
	Status      int        `json:"status"`
	RenderMS    int64      `json:"render_ms"`
}

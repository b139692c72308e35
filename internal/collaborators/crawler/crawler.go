// Package crawler is the thin HTML-to-text extraction collaborator
// CrawlerConfig's doc comment promises (internal/common/config.go): it turns
// a URL into the Title/Text pair an Item needs before it is eligible for
// registration. The Batcher itself never crawls on a schedule; this
// collaborator is invoked on demand through POST /api/items/crawl so the
// full register->submit->poll->complete pipeline can be demonstrated
// end to end from a single URL.
//
// Grounded on internal/services/crawler/html_scraper.go's goquery +
// html-to-markdown extraction pipeline, trimmed from Colly's async
// crawl-and-follow-links collector down to a single-page fetch (the Batcher
// has no link-following Non-goal to satisfy), with an optional chromedp
// render pass for CrawlerConfig.EnableJavaScript.
package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/common"
)

// Page is the extracted result of crawling one URL.
type Page struct {
	URL   string
	Title string
	Text  string
}

// Crawler fetches a page and reduces it to Title/Text, rendering with
// chromedp first when the page needs JavaScript.
type Crawler struct {
	cfg    common.CrawlerConfig
	logger arbor.ILogger
	client *http.Client
}

func New(cfg common.CrawlerConfig, logger arbor.ILogger) *Crawler {
	return &Crawler{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Crawl fetches targetURL (via chromedp when EnableJavaScript is set,
// otherwise a plain HTTP GET) and extracts a title and a markdown body from
// the resulting HTML, mirroring html_scraper.go's
// convertContentToMarkdown/extractAndPopulateMetadata pair.
func (c *Crawler) Crawl(ctx context.Context, targetURL string) (*Page, error) {
	html, err := c.fetch(ctx, targetURL)
	if err != nil {
		return nil, err
	}
	return c.extract(targetURL, html)
}

func (c *Crawler) fetch(ctx context.Context, targetURL string) (string, error) {
	if c.cfg.EnableJavaScript {
		return c.fetchRendered(ctx, targetURL)
	}
	return c.fetchStatic(ctx, targetURL)
}

func (c *Crawler) fetchStatic(ctx context.Context, targetURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return "", fmt.Errorf("crawler: building request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("crawler: fetching %s: %w", targetURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("crawler: %s returned status %d", targetURL, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, int64(c.cfg.MaxBodySize))
	body, err := io.ReadAll(limited)
	if err != nil {
		return "", fmt.Errorf("crawler: reading body of %s: %w", targetURL, err)
	}
	return string(body), nil
}

// fetchRendered renders targetURL in headless Chrome before extracting its
// final DOM, for pages whose content only appears after JavaScript runs.
func (c *Crawler) fetchRendered(ctx context.Context, targetURL string) (string, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.UserAgent(c.cfg.UserAgent),
		)...,
	)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancelTimeout := context.WithTimeout(browserCtx, timeout)
	defer cancelTimeout()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("crawler: rendering %s: %w", targetURL, err)
	}
	return html, nil
}

func (c *Crawler) extract(targetURL, html string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("crawler: parsing html for %s: %w", targetURL, err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find("script, style, noscript, nav, header, footer, aside").Remove()
	body := doc.Find("body")

	bodyHTML, err := body.Html()
	if err != nil {
		return nil, fmt.Errorf("crawler: serializing body for %s: %w", targetURL, err)
	}

	converter := md.NewConverter(targetURL, true, nil)
	markdown, err := converter.ConvertString(bodyHTML)
	if err != nil {
		c.logger.Warn().Str("url", targetURL).Err(err).Msg("falling back to plain text, markdown conversion failed")
		markdown = strings.TrimSpace(body.Text())
	}

	return &Page{URL: targetURL, Title: title, Text: strings.TrimSpace(markdown)}, nil
}

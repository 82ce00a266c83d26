package retrieve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// maxPageSize limits fetched page bodies.
const maxPageSize = 5 * 1024 * 1024 // 5MB

// maxPassageLen truncates extracted page content per passage.
const maxPassageLen = 4000

// WebRetriever retrieves passages from the web: a search endpoint supplies
// candidate URLs, each page is fetched behind an SSRF guard, the readable
// article is extracted and converted to markdown.
type WebRetriever struct {
	searchURL  string
	httpClient *http.Client
	converter  *md.Converter
	logger     *slog.Logger
}

// NewWebRetriever creates a web retriever. searchURL is a SearxNG-style
// endpoint answering GET ?q=<query>&format=json; empty disables web
// retrieval (Retrieve returns nothing).
func NewWebRetriever(searchURL string, timeout time.Duration, logger *slog.Logger) *WebRetriever {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &WebRetriever{
		searchURL:  searchURL,
		httpClient: &http.Client{Timeout: timeout},
		converter:  converter,
		logger:     logger,
	}
}

type searchResult struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

// Retrieve searches and reads the top result pages. A page that cannot be
// fetched or extracted degrades to its search snippet rather than failing
// the whole query.
func (r *WebRetriever) Retrieve(ctx context.Context, query string, topK int, _ map[string]string) ([]Passage, error) {
	if r.searchURL == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 3
	}

	results, err := r.search(ctx, query)
	if err != nil {
		return nil, err
	}

	var passages []Passage
	for i, res := range results {
		if len(passages) >= topK {
			break
		}
		score := res.Score
		if score == 0 {
			score = 1.0 / float64(i+1)
		}

		content, err := r.readPage(ctx, res.URL)
		if err != nil {
			r.logger.Debug("page read failed, using search snippet",
				"url", res.URL,
				"error", err)
			content = res.Content
		}
		if content == "" {
			continue
		}
		content = truncateRunes(content, maxPassageLen)
		passages = append(passages, Passage{Content: content, Source: res.URL, Score: score})
	}
	return passages, nil
}

func (r *WebRetriever) search(ctx context.Context, query string) ([]searchResult, error) {
	searchURL := fmt.Sprintf("%s?q=%s&format=json", strings.TrimSuffix(r.searchURL, "/"), url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}
	return parsed.Results, nil
}

// readPage fetches a page and extracts its readable content as markdown.
func (r *WebRetriever) readPage(ctx context.Context, pageURL string) (string, error) {
	if err := ValidateURL(pageURL); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create page request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}

	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page URL: %w", err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		// Pages readability cannot segment still carry text.
		title, text, perr := plainText(bytes.NewReader(body))
		if perr != nil {
			return "", fmt.Errorf("extract article: %w", err)
		}
		if title != "" {
			text = "# " + title + "\n\n" + text
		}
		return text, nil
	}

	markdown, err := r.converter.ConvertString(article.Content)
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}

	markdown = strings.TrimSpace(markdown)
	if article.Title != "" {
		markdown = "# " + article.Title + "\n\n" + markdown
	}
	return markdown, nil
}

// truncateRunes shortens s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// plainText walks the raw HTML, collecting the title and visible text while
// skipping script and style subtrees.
func plainText(r io.Reader) (title, text string, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript"):
			return
		case n.Type == html.ElementNode && n.Data == "title":
			if title == "" && n.FirstChild != nil {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		case n.Type == html.TextNode:
			if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
				b.WriteString(trimmed)
				b.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, strings.TrimSpace(b.String()), nil
}

package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
	xhtml "golang.org/x/net/html"

	"github.com/Zykairotis/corpusd/internal/chunk"
	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// maxFetchBytes caps a page body; anything larger is cut off rather
// than rejected, the splitter handles the rest.
const maxFetchBytes = 8 << 20

const fetchUserAgent = "corpusd/1.0 (+https://github.com/Zykairotis/corpusd)"

// Conditional carries the validators from the previous fetch of a URL.
type Conditional struct {
	ETag         string
	LastModified string
}

// FetchedPage is one acquired page plus its HTTP caching state.
type FetchedPage struct {
	Input        chunk.PageInput
	ETag         string
	LastModified string
	StatusCode   int
	FetchedAt    time.Time

	// NotModified is set on a 304; Input is empty in that case.
	NotModified bool

	// Links are same-host links found in the raw document, absolute and
	// fragment-stripped. The crawler follows them.
	Links []string
}

// Fetcher acquires web pages: conditional GET, readability boilerplate
// stripping, then HTML to markdown for the section splitter.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{client: client}
}

// Fetch gets one page. A 304 comes back as NotModified with no body;
// 4xx other than 429 is permanent, everything else transient.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string, cond Conditional) (FetchedPage, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return FetchedPage{}, cerr.ValidationError("invalid page url: "+pageURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return FetchedPage{}, cerr.ValidationError("build page request", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return FetchedPage{}, cerr.Cancelled("fetch cancelled")
		}
		return FetchedPage{}, cerr.TransientRPC("fetch "+pageURL, err)
	}
	defer resp.Body.Close()

	page := FetchedPage{
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    time.Now().UTC(),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		page.NotModified = true
		// 304 carries no validators; keep the ones we sent.
		page.ETag = cond.ETag
		page.LastModified = cond.LastModified
		return page, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return FetchedPage{}, cerr.TransientRPC(
			fmt.Sprintf("fetch %s: status %d", pageURL, resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return FetchedPage{}, cerr.New(cerr.ErrCodeRPCRejected,
			fmt.Sprintf("fetch %s: status %d", pageURL, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return FetchedPage{}, cerr.TransientRPC("read page body "+pageURL, err)
	}

	title, markdown, err := extractMarkdown(body, parsed)
	if err != nil {
		return FetchedPage{}, err
	}

	page.Input = chunk.PageInput{URL: pageURL, Title: title, Markdown: markdown}
	page.Links = collectLinks(body, parsed)
	return page, nil
}

// collectLinks walks the raw document for same-host anchors.
func collectLinks(body []byte, base *url.URL) []string {
	doc, err := xhtml.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}

	seen := map[string]bool{}
	var links []string
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(strings.TrimSpace(attr.Val))
				if err != nil {
					continue
				}
				abs := base.ResolveReference(ref)
				abs.Fragment = ""
				if (abs.Scheme != "http" && abs.Scheme != "https") || abs.Host != base.Host {
					continue
				}
				link := abs.String()
				if !seen[link] {
					seen[link] = true
					links = append(links, link)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

// extractMarkdown strips boilerplate with readability and converts the
// article body to markdown. Pages readability cannot parse fall back to
// converting the raw document.
func extractMarkdown(body []byte, pageURL *url.URL) (title, markdown string, err error) {
	html := string(body)

	article, rerr := readability.FromReader(strings.NewReader(html), pageURL)
	if rerr == nil && strings.TrimSpace(article.Content) != "" {
		title = article.Title
		html = article.Content
	}

	markdown, err = htmltomarkdown.ConvertString(html)
	if err != nil {
		return "", "", cerr.ParseError("convert page to markdown: "+pageURL.String(), err)
	}
	return title, strings.TrimSpace(markdown), nil
}

// Package extract turns fetched markup into a structured scrape result.
package extract

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

// DefaultMaxContent caps extracted text when the job does not set a limit.
const DefaultMaxContent = 20000

// Page parses body and extracts the title, visible text, links, meta tags
// and any requested selector fields.
func Page(body []byte, pageURL string, selectors map[string]string, maxContent int) (crawler.Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Result{}, fmt.Errorf("parse html: %w", err)
	}

	result := crawler.Result{
		URL:   pageURL,
		Title: collapse(doc.Find("title").First().Text()),
		Meta:  meta(doc),
	}
	if result.Title == "" {
		result.Title = result.Meta["og:title"]
	}

	if len(selectors) > 0 {
		result.Fields = make(map[string]string, len(selectors))
		for _, name := range crawler.SortedKeys(selectors) {
			sel := doc.Find(selectors[name])
			if sel.Length() == 0 {
				continue
			}
			if sel.Is("img") {
				result.Fields[name] = sel.First().AttrOr("src", "")
				continue
			}
			result.Fields[name] = collapse(sel.First().Text())
		}
	}

	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			hrefs = append(hrefs, href)
		}
	})
	base := pageURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok && href != "" {
		if resolved := crawler.ResolveLinks(pageURL, []string{href}); len(resolved) == 1 {
			base = resolved[0]
		}
	}
	result.Links = crawler.ResolveLinks(base, hrefs)

	doc.Find("script, style, noscript, template, svg").Remove()
	result.Content = Truncate(collapse(doc.Find("body").Text()), maxContent)
	if result.Content == "" {
		result.Content = Truncate(collapse(doc.Text()), maxContent)
	}
	return result, nil
}

// Truncate limits s to max runes. A non-positive max uses DefaultMaxContent.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		limit = DefaultMaxContent
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func meta(doc *goquery.Document) map[string]string {
	out := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key := s.AttrOr("property", s.AttrOr("name", ""))
		content := strings.TrimSpace(s.AttrOr("content", ""))
		if key == "" || content == "" {
			return
		}
		key = strings.ToLower(key)
		if key == "description" || key == "keywords" || key == "author" || strings.HasPrefix(key, "og:") {
			out[key] = content
		}
	})
	if canonical, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		out["canonical"] = canonical
	}
	if lang, ok := doc.Find("html").First().Attr("lang"); ok && lang != "" {
		out["lang"] = lang
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

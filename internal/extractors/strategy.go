// Package extractors holds the product page heuristics: ordered strategy
// lists for the seller and delivery fields and the pre-extraction actions
// that reveal them.
package extractors

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
)

// Strategy reads one candidate value from a parsed page. An empty string
// means the strategy did not apply.
type Strategy func(doc *goquery.Document) string

// FirstOf evaluates strategies in priority order against a single parse of
// the document and returns the first non-empty value.
func FirstOf(strategies ...Strategy) crawler.ExtractFunc {
	return func(ctx context.Context, doc crawler.Document) (string, error) {
		parsed, err := parse(ctx, doc)
		if err != nil {
			return "", err
		}
		for _, strategy := range strategies {
			if value := clean(strategy(parsed)); value != "" {
				return value, nil
			}
		}
		return "", crawler.ErrFieldNotFound
	}
}

// Text returns the trimmed text of the first non-empty element matching m.
func Text(m cascadia.Selector) Strategy {
	return TextWith(m, nil)
}

// TextWith is Text with a post-processing step applied to each candidate.
func TextWith(m cascadia.Selector, transform func(string) string) Strategy {
	return func(doc *goquery.Document) string {
		var found string
		doc.FindMatcher(m).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := clean(s.Text())
			if transform != nil {
				text = clean(transform(text))
			}
			if text == "" {
				return true
			}
			found = text
			return false
		})
		return found
	}
}

// Selector compiles a CSS selector into a Text strategy.
func Selector(selector string) (Strategy, error) {
	m, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("compile selector %q: %w", selector, err)
	}
	return Text(m), nil
}

func parse(ctx context.Context, doc crawler.Document) (*goquery.Document, error) {
	html, err := doc.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read document html: %w", err)
	}
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document html: %w", err)
	}
	return parsed, nil
}

// ownText concatenates the direct text children of the selection's first node.
func ownText(s *goquery.Selection) string {
	var b strings.Builder
	s.First().Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			b.WriteString(c.Text())
		}
	})
	return clean(b.String())
}

// clean collapses runs of whitespace into single spaces.
func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cutFold returns what follows the first case-insensitive occurrence of sep.
func cutFold(s, sep string) (string, bool) {
	idx := strings.Index(strings.ToLower(s), strings.ToLower(sep))
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(s[idx+len(sep):]), true
}

// beforeFold returns s up to the first case-insensitive occurrence of sep.
func beforeFold(s, sep string) string {
	idx := strings.Index(strings.ToLower(s), strings.ToLower(sep))
	if idx < 0 {
		return s
	}
	return strings.TrimSpace(s[:idx])
}

package extractors

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
)

// Field names produced by the default extractors.
const (
	FieldSeller   = "seller"
	FieldDelivery = "delivery"
)

var (
	sellerPrimary   = cascadia.MustCompile("div.supplier-supplier span.supplier-productSellerName")
	sellerSecondary = []cascadia.Selector{
		cascadia.MustCompile("span.seller-name"),
		cascadia.MustCompile("div.pdp-seller-info span.supplier-name"),
		cascadia.MustCompile("div.pdp-seller-info a.seller-link"),
		cascadia.MustCompile("div.item-seller-details span"),
	}
	deliverySelectors = []cascadia.Selector{
		cascadia.MustCompile("div.pincode-serviceability-message"),
		cascadia.MustCompile("div.pdp-pincode-info div.pincode-message span.pincode-details"),
		cascadia.MustCompile("div.pdp-pincode-info span.pincode-message"),
		cascadia.MustCompile("span.pincode-details"),
		cascadia.MustCompile("div.delivery-message span"),
		cascadia.MustCompile("li.delivery-option h4"),
	}
	labelCandidates = cascadia.MustCompile("span, div, p, li, td, dd")
	bodyElements    = cascadia.MustCompile("body *")
)

const maxDeliveryLine = 150

// SellerExtractor reads the seller name: the dedicated seller node first, then
// the legacy layouts, then "sold by" / "seller:" labels.
func SellerExtractor() crawler.FieldExtractor {
	strategies := []Strategy{Text(sellerPrimary)}
	for _, m := range sellerSecondary {
		strategies = append(strategies, Text(m))
	}
	strategies = append(strategies, SoldByLabel)
	return crawler.FieldExtractor{Field: FieldSeller, Extract: FirstOf(strategies...)}
}

// DeliveryExtractor reads the delivery estimate shown after a pincode check,
// falling back to scanning the page for a "get it by" line.
func DeliveryExtractor() crawler.FieldExtractor {
	strategies := make([]Strategy, 0, len(deliverySelectors)+1)
	for _, m := range deliverySelectors {
		strategies = append(strategies, TextWith(m, DeliveryText))
	}
	strategies = append(strategies, GetItByLine)
	return crawler.FieldExtractor{Field: FieldDelivery, Extract: FirstOf(strategies...)}
}

// SoldByLabel finds text labelled "sold by" or "seller:" and returns the name
// that follows it. Manufacturer details appended after the name are dropped.
func SoldByLabel(doc *goquery.Document) string {
	var found string
	doc.FindMatcher(labelCandidates).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		own := ownText(s)
		if own == "" {
			return true
		}
		if rest, ok := cutFold(own, "sold by"); ok {
			if rest == "" {
				rest = clean(s.Children().First().Text())
			}
			if rest == "" {
				rest = clean(s.Next().Text())
			}
			rest = strings.TrimLeft(rest, ": ")
			found = beforeFold(rest, "manufacturer")
			return found == ""
		}
		if rest, ok := cutFold(own, "seller:"); ok {
			if rest == "" {
				rest = clean(s.Next().Text())
			}
			found = rest
			return found == ""
		}
		return true
	})
	return found
}

// DeliveryText strips the "get it by" lead-in and anything after " - ".
func DeliveryText(text string) string {
	if rest, ok := cutFold(text, "get it by"); ok {
		text = rest
	}
	if head, _, ok := strings.Cut(text, " - "); ok {
		text = head
	}
	return strings.TrimSpace(text)
}

// GetItByLine scans the page for a short element whose own text mentions
// "get it by".
func GetItByLine(doc *goquery.Document) string {
	var found string
	doc.FindMatcher(bodyElements).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		own := ownText(s)
		if own == "" || len(own) >= maxDeliveryLine {
			return true
		}
		if !strings.Contains(strings.ToLower(own), "get it by") {
			return true
		}
		found = DeliveryText(own)
		return found == ""
	})
	return found
}

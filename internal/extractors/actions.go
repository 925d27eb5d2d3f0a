package extractors

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
)

// Action names reported in result notes.
const (
	ActionDismissPopups   = "dismiss_popups"
	ActionEnterPincode    = "enter_pincode"
	ActionSelectFirstSize = "select_first_size"
)

// KeyEscape and KeyEnter are the key names understood by every renderer.
const (
	KeyEscape = "Escape"
	KeyEnter  = "Enter"
)

var (
	popupCloseSelectors = []string{
		"div.app-container span.css-xyxdrg",
		"div[class='desktop-previos-btn'] > span",
	}
	pincodeInputSelectors = []string{
		"input[placeholder*='Pincode']",
		"input[placeholder*='PIN']",
		"input[name*='pincode']",
		"input[id*='pincode']",
		"input[aria-label*='pincode']",
	}
	sizeButtonSelectors = []string{
		"div.size-buttons-details button",
		"div.pdp-size-layout button",
		"ul.size-list li button",
		"button.size-buttons",
		"button.size-option",
		"div.size-list button",
	}
	sizeLabels     = []string{"S", "M", "L", "XL", "XS", "XXL", "XXXL"}
	pincodeButtons = []string{"Apply Pincode", "Check", "CHECK", "Apply"}
)

// ErrNothingToDo reports that an action found none of the elements it needs.
var ErrNothingToDo = errors.New("no matching element")

// DismissPopups closes the app download banner or a generic modal, and
// always finishes with an Escape key press. Finding no popup is a success.
func DismissPopups() crawler.Action {
	return crawler.Action{
		Name: ActionDismissPopups,
		Run: func(ctx context.Context, doc crawler.Document) error {
			parsed, err := parse(ctx, doc)
			if err != nil {
				return err
			}
			for _, sel := range popupCloseSelectors {
				if !exists(parsed, sel) {
					continue
				}
				if err := doc.Click(ctx, sel); err == nil {
					return nil
				}
			}
			var clicked bool
			if err := doc.Evaluate(ctx, clickModalCloseJS, &clicked); err == nil && clicked {
				return nil
			}
			if err := doc.Press(ctx, KeyEscape); err != nil && !errors.Is(err, crawler.ErrActionUnsupported) {
				return fmt.Errorf("press escape: %w", err)
			}
			return nil
		},
	}
}

// EnterPincode types pincode into the serviceability input and submits it
// with the Check/Apply button or Enter. A page without a pincode input is a
// failure because the delivery estimate depends on it.
func EnterPincode(pincode string) crawler.Action {
	return crawler.Action{
		Name: ActionEnterPincode,
		Run: func(ctx context.Context, doc crawler.Document) error {
			parsed, err := parse(ctx, doc)
			if err != nil {
				return err
			}
			var lastErr error = ErrNothingToDo
			for _, sel := range pincodeInputSelectors {
				if !exists(parsed, sel) {
					continue
				}
				if err := doc.Fill(ctx, sel, pincode, false); err != nil {
					lastErr = err
					continue
				}
				var clicked bool
				if err := doc.Evaluate(ctx, clickButtonByTextJS(pincodeButtons), &clicked); err == nil && clicked {
					return nil
				}
				if err := doc.Press(ctx, KeyEnter); err != nil {
					lastErr = fmt.Errorf("submit pincode: %w", err)
					continue
				}
				return nil
			}
			return fmt.Errorf("pincode input: %w", lastErr)
		},
	}
}

// SelectFirstSize clicks the first enabled, unselected size button. Products
// without a size picker need nothing, which counts as success.
func SelectFirstSize() crawler.Action {
	return crawler.Action{
		Name: ActionSelectFirstSize,
		Run: func(ctx context.Context, doc crawler.Document) error {
			parsed, err := parse(ctx, doc)
			if err != nil {
				return err
			}
			for _, sel := range sizeButtonSelectors {
				if firstSelectable(parsed, sel) < 0 {
					continue
				}
				var clicked bool
				if err := doc.Evaluate(ctx, clickFirstSelectableJS(sel), &clicked); err != nil {
					return fmt.Errorf("click size %q: %w", sel, err)
				}
				if clicked {
					return nil
				}
			}
			if !hasSizeLabel(parsed) {
				return nil
			}
			var clicked bool
			if err := doc.Evaluate(ctx, clickSizeLabelJS(sizeLabels), &clicked); err != nil {
				return fmt.Errorf("click size label: %w", err)
			}
			return nil
		},
	}
}

// DefaultActions returns the pre-extraction steps in the order they run.
func DefaultActions(pincode string) []crawler.Action {
	return []crawler.Action{
		DismissPopups(),
		SelectFirstSize(),
		EnterPincode(pincode),
	}
}

// DefaultExtractors returns the field extractors for the requested fields.
func DefaultExtractors(fields []string) ([]crawler.FieldExtractor, error) {
	known := map[string]func() crawler.FieldExtractor{
		FieldSeller:   SellerExtractor,
		FieldDelivery: DeliveryExtractor,
	}
	out := make([]crawler.FieldExtractor, 0, len(fields))
	for _, name := range fields {
		build, ok := known[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown field %q", name)
		}
		out = append(out, build())
	}
	return out, nil
}

func exists(doc *goquery.Document, selector string) bool {
	m, err := cascadia.Compile(selector)
	if err != nil {
		return false
	}
	return doc.FindMatcher(m).Length() > 0
}

func selectable(s *goquery.Selection) bool {
	if s.HasClass("selected") {
		return false
	}
	_, disabled := s.Attr("disabled")
	return !disabled
}

func firstSelectable(doc *goquery.Document, selector string) int {
	m, err := cascadia.Compile(selector)
	if err != nil {
		return -1
	}
	idx := -1
	doc.FindMatcher(m).EachWithBreak(func(i int, s *goquery.Selection) bool {
		if selectable(s) {
			idx = i
			return false
		}
		return true
	})
	return idx
}

func hasSizeLabel(doc *goquery.Document) bool {
	found := false
	doc.Find("button").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		label := strings.ToUpper(clean(s.Text()))
		for _, l := range sizeLabels {
			if label == l && selectable(s) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

const clickModalCloseJS = `(() => {
  const btn = [...document.querySelectorAll("div[class*='modal-content'] button")]
    .find(b => b.textContent.includes("X"));
  if (!btn) return false;
  btn.click();
  return true;
})()`

func clickButtonByTextJS(labels []string) string {
	return fmt.Sprintf(`(() => {
  const labels = %s;
  const buttons = [...document.querySelectorAll("button")];
  for (const label of labels) {
    const btn = buttons.find(b => b.textContent.includes(label) && !b.disabled);
    if (btn) { btn.click(); return true; }
  }
  const fallback = document.querySelector("div.pincode-check-container button");
  if (fallback) { fallback.click(); return true; }
  return false;
})()`, jsStrings(labels))
}

func clickFirstSelectableJS(selector string) string {
	return fmt.Sprintf(`(() => {
  const btn = [...document.querySelectorAll(%s)]
    .find(b => !b.disabled && !b.classList.contains("selected") && b.offsetParent !== null);
  if (!btn) return false;
  btn.click();
  return true;
})()`, strconv.Quote(selector))
}

func clickSizeLabelJS(labels []string) string {
	return fmt.Sprintf(`(() => {
  const labels = new Set(%s);
  const btn = [...document.querySelectorAll("button")]
    .find(b => labels.has(b.textContent.trim().toUpperCase()) && !b.disabled && !b.classList.contains("selected"));
  if (!btn) return false;
  btn.click();
  return true;
})()`, jsStrings(labels))
}

func jsStrings(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

package offers

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/fetcher"
)

// Detail is what a retailer product page says about one offer.
type Detail struct {
	PriceCents *int64
	Currency   string
	InStock    bool
}

// ParseDetail extracts price, currency and availability from a retailer
// response. JSON bodies are read directly; HTML is searched for JSON-LD,
// schema.org microdata, then Open Graph product tags.
func ParseDetail(contentType string, body []byte) (*Detail, error) {
	trimmed := bytes.TrimSpace(body)
	if strings.Contains(contentType, "json") || bytes.HasPrefix(trimmed, []byte("{")) {
		return parseJSONDetail(trimmed)
	}
	return parseHTMLDetail(body)
}

type jsonDetail struct {
	Price        json.Number `json:"price"`
	PriceCents   *int64      `json:"priceCents"`
	Currency     string      `json:"currency"`
	InStock      *bool       `json:"inStock"`
	Availability string      `json:"availability"`
}

func parseJSONDetail(body []byte) (*Detail, error) {
	jd, err := fetcher.DecodeJSONObject[jsonDetail](bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "offers: parse json detail")
	}

	d := &Detail{Currency: strings.ToUpper(jd.Currency), PriceCents: jd.PriceCents}
	if d.PriceCents == nil && jd.Price != "" {
		if cents, ok := PriceCents(jd.Price.String()); ok {
			d.PriceCents = &cents
		}
	}
	switch {
	case jd.InStock != nil:
		d.InStock = *jd.InStock
	default:
		d.InStock = availabilityInStock(jd.Availability)
	}
	if d.PriceCents == nil && jd.InStock == nil && jd.Availability == "" {
		return nil, eris.New("offers: json detail has no price or availability")
	}
	return d, nil
}

func parseHTMLDetail(body []byte) (*Detail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "offers: parse html")
	}

	d := &Detail{}
	var (
		price        string
		availability string
	)

	if ld, ok := findJSONLDOffer(doc); ok {
		price = ld.price
		d.Currency = ld.currency
		availability = ld.availability
	}

	if price == "" {
		price = firstValue(doc,
			"[itemprop='price']",
			"meta[property='product:price:amount']",
			"meta[property='og:price:amount']",
		)
	}
	if d.Currency == "" {
		d.Currency = firstValue(doc,
			"[itemprop='priceCurrency']",
			"meta[property='product:price:currency']",
			"meta[property='og:price:currency']",
		)
	}
	if availability == "" {
		availability = firstValue(doc,
			"[itemprop='availability']",
			"meta[property='product:availability']",
			"meta[property='og:availability']",
		)
	}

	if price != "" {
		if cents, ok := PriceCents(price); ok {
			d.PriceCents = &cents
		}
	}
	d.Currency = strings.ToUpper(strings.TrimSpace(d.Currency))
	d.InStock = availabilityInStock(availability)

	if d.PriceCents == nil && availability == "" {
		return nil, eris.New("offers: page has no price or availability markup")
	}
	return d, nil
}

// firstValue returns the first non-empty content/href attribute or text of
// the first element matching each selector in turn.
func firstValue(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		for _, attr := range []string{"content", "href"} {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		if v := strings.TrimSpace(s.Text()); v != "" {
			return v
		}
	}
	return ""
}

type ldOffer struct {
	price        string
	currency     string
	availability string
}

// findJSONLDOffer looks for a schema.org Product or Offer in JSON-LD blocks.
func findJSONLDOffer(doc *goquery.Document) (ldOffer, bool) {
	var (
		found ldOffer
		ok    bool
	)
	doc.Find("script[type='application/ld+json']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		dec := json.NewDecoder(strings.NewReader(s.Text()))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return true
		}
		found, ok = searchLD(v)
		return !ok
	})
	return found, ok
}

func searchLD(v any) (ldOffer, bool) {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if o, ok := searchLD(item); ok {
				return o, true
			}
		}
	case map[string]any:
		if graph, ok := t["@graph"]; ok {
			if o, ok := searchLD(graph); ok {
				return o, true
			}
		}
		if offers, ok := t["offers"]; ok {
			return searchLD(offers)
		}
		if p := scalarString(t["price"]); p != "" {
			return ldOffer{
				price:        p,
				currency:     scalarString(t["priceCurrency"]),
				availability: scalarString(t["availability"]),
			}, true
		}
		if p := scalarString(t["lowPrice"]); p != "" {
			return ldOffer{
				price:        p,
				currency:     scalarString(t["priceCurrency"]),
				availability: scalarString(t["availability"]),
			}, true
		}
	}
	return ldOffer{}, false
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}

func availabilityInStock(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return false
	}
	for _, neg := range []string{"outofstock", "out of stock", "out_of_stock", "soldout", "sold out", "discontinued", "unavailable"} {
		if strings.Contains(s, neg) {
			return false
		}
	}
	for _, pos := range []string{"instock", "in stock", "in_stock", "limitedavailability", "onlineonly", "available"} {
		if strings.Contains(s, pos) {
			return true
		}
	}
	return false
}

var priceRE = regexp.MustCompile(`\d[\d.,]*`)

// PriceCents converts a price string such as "$1,299.99", "12,50 €" or
// "19" to integer cents.
func PriceCents(s string) (int64, bool) {
	m := priceRE.FindString(s)
	if m == "" {
		return 0, false
	}
	m = strings.TrimRight(m, ".,")

	lastDot := strings.LastIndex(m, ".")
	lastComma := strings.LastIndex(m, ",")
	decimalSep := -1
	switch {
	case lastDot > lastComma:
		if len(m)-lastDot-1 <= 2 || lastComma >= 0 {
			decimalSep = lastDot
		}
	case lastComma > lastDot:
		if len(m)-lastComma-1 <= 2 {
			decimalSep = lastComma
		}
	}

	intPart, fracPart := m, ""
	if decimalSep >= 0 {
		intPart, fracPart = m[:decimalSep], m[decimalSep+1:]
	}
	intPart = strings.NewReplacer(",", "", ".", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}
	for len(fracPart) < 2 {
		fracPart += "0"
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, false
	}
	frac, err := strconv.ParseInt(fracPart[:2], 10, 64)
	if err != nil {
		return 0, false
	}
	return whole*100 + frac, true
}

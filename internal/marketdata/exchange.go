package marketdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html"

	"github.com/propdesk/challenge-engine/internal/model"
)

// DefaultBourseURL is the Casablanca stock exchange site.
const DefaultBourseURL = "https://www.casablanca-bourse.com"

// DefaultExchangeInstruments are the listed stocks tracked out of the box.
func DefaultExchangeInstruments() []Instrument {
	mk := func(sym, isin, name string, base int64) Instrument {
		return Instrument{
			Symbol: sym, ISIN: isin, Name: name, Currency: "MAD",
			BasePrice: decimal.NewFromInt(base), SpreadPct: decimal.NewFromInt(2),
			MinVolume: 50_000, MaxVolume: 200_000,
		}
	}
	return []Instrument{
		mk("IAM", "MA0000011488", "Itissalat Al-Maghrib", 111),
		mk("ATW", "MA0000011835", "Attijariwafa Bank", 555),
		mk("LHM", "MA0000011884", "LafargeHolcim Maroc", 1850),
		mk("SMI", "MA0000011900", "SMI", 2100),
	}
}

// ExchangeSource implements Source by scraping instrument pages of the
// exchange website. Pages lay data out as <tr><td>label</td><td>value</td></tr>.
type ExchangeSource struct {
	Client      *http.Client
	BaseURL     string
	instruments []Instrument
}

// NewExchangeSource creates a scraping source. An empty baseURL selects
// DefaultBourseURL; nil instruments selects the defaults.
func NewExchangeSource(baseURL string, timeout time.Duration, instruments []Instrument) *ExchangeSource {
	if baseURL == "" {
		baseURL = DefaultBourseURL
	}
	if instruments == nil {
		instruments = DefaultExchangeInstruments()
	}
	return &ExchangeSource{
		Client:      &http.Client{Timeout: timeout},
		BaseURL:     strings.TrimRight(baseURL, "/"),
		instruments: instruments,
	}
}

func (s *ExchangeSource) Name() string              { return "bourse" }
func (s *ExchangeSource) Family() Family            { return FamilyExchange }
func (s *ExchangeSource) Instruments() []Instrument { return s.instruments }

// FetchQuote scrapes one instrument page.
func (s *ExchangeSource) FetchQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	in, ok := findInstrument(s.instruments, symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
	}

	u := fmt.Sprintf("%s/fr/live-market/instruments/%s", s.BaseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("bourse request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9,en-US;q=0.8,en;q=0.7")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: bourse fetch: %v", ErrTransientFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: bourse status %d", ErrTransientFetch, resp.StatusCode)
	}

	fields, err := scrapeFields(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: bourse parse: %v", ErrTransientFetch, err)
	}

	price, ok := ParseLocaleDecimal(fields.price)
	if !ok || !price.IsPositive() {
		return nil, fmt.Errorf("%w: no price found for %s", ErrTransientFetch, symbol)
	}

	return &model.Quote{
		Symbol:    in.Symbol,
		Name:      in.Name,
		ISIN:      in.ISIN,
		Family:    string(FamilyExchange),
		Price:     price,
		ChangePct: decimalOrZero(fields.variation),
		Volume:    intOrZero(fields.volume),
		Currency:  "MAD",
		Source:    model.SourceReal,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// pageFields holds the raw text of the cells we care about.
type pageFields struct {
	price     string
	variation string
	volume    string
}

// scrapeFields walks every table row and maps its label cell to a field.
// When a label repeats, the last row wins.
func scrapeFields(r io.Reader) (pageFields, error) {
	var f pageFields

	doc, err := html.Parse(r)
	if err != nil {
		return f, err
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			cells := rowCells(n)
			if len(cells) >= 2 {
				label, value := cells[0], cells[1]
				switch {
				case strings.Contains(label, "Cours") && strings.Contains(label, "MAD"):
					f.price = value
				case label == "Variation":
					f.variation = value
				case strings.Contains(label, "Volume") || strings.Contains(label, "Quantité"):
					f.volume = value
				}
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return f, nil
}

// rowCells returns the stripped text of each td/th directly under a row.
func rowCells(tr *html.Node) []string {
	var cells []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
			cells = append(cells, nodeText(c))
		}
	}
	return cells
}

// nodeText concatenates the trimmed text nodes under n.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

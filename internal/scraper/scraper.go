// Package scraper implements the parse contract for every origin page the crawler and
// the claim engine read. Each parser either returns a complete value or an error
// wrapping models.ErrParse.
package scraper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/util"
)

// Parser extracts typed records from origin responses.
type Parser struct {
	sel     SelectorConfig
	payload *regexp.Regexp
}

func New(sel SelectorConfig) (*Parser, error) {
	re, err := regexp.Compile(sel.SalePage.PayloadPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling sale payload pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("sale payload pattern %q has no capture group", sel.SalePage.PayloadPattern)
	}
	return &Parser{sel: sel, payload: re}, nil
}

func (p *Parser) Selectors() SelectorConfig {
	return p.sel
}

func parseErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrParse, fmt.Sprintf(format, args...))
}

func document(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrParse, err)
	}
	return doc, nil
}

type salePayload struct {
	ID        int64  `json:"id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// ParseSalePage reads the sale's declared id and dates from the embedded script payload.
func (p *Parser) ParseSalePage(body []byte) (models.Sale, error) {
	m := p.payload.FindSubmatch(body)
	if m == nil {
		return models.Sale{}, parseErr("sale payload not found")
	}
	var raw salePayload
	if err := json.Unmarshal(m[1], &raw); err != nil {
		return models.Sale{}, parseErr("sale payload: %v", err)
	}
	layout := p.sel.SalePage.DateLayout
	start, err := time.Parse(layout, raw.StartDate)
	if err != nil {
		return models.Sale{}, parseErr("sale %d start_date %q: %v", raw.ID, raw.StartDate, err)
	}
	end, err := time.Parse(layout, raw.EndDate)
	if err != nil {
		return models.Sale{}, parseErr("sale %d end_date %q: %v", raw.ID, raw.EndDate, err)
	}
	if raw.ID <= 0 {
		return models.Sale{}, parseErr("sale payload has no id")
	}
	if end.Before(start) {
		return models.Sale{}, parseErr("sale %d ends %s before it starts %s", raw.ID, raw.EndDate, raw.StartDate)
	}
	return models.Sale{ID: raw.ID, Start: start.UTC(), End: end.UTC()}, nil
}

// ParseGameCells extracts every game cell in an HTML fragment. Relative links are
// resolved against pageURL. Cells missing an id or link are logged and skipped.
func (p *Parser) ParseGameCells(body []byte, pageURL string) ([]*models.Game, error) {
	doc, err := document(body)
	if err != nil {
		return nil, err
	}
	sel := p.sel.GameCell

	var games []*models.Game
	doc.Find(sel.Cell).Each(func(_ int, s *goquery.Selection) {
		idAttr, ok := s.Attr(sel.IDAttr)
		if !ok {
			return
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idAttr), 10, 64)
		if err != nil {
			slog.Warn("Skipping game cell with bad id", "id", idAttr, "error", err)
			return
		}

		link := s.Find(sel.TitleLink).First()
		href, ok := link.Attr("href")
		if !ok {
			slog.Warn("Skipping game cell without link", "id", id)
			return
		}
		gameURL, err := util.NormalizeGameURL(util.ResolveURL(pageURL, href))
		if err != nil {
			slog.Warn("Skipping game cell with bad link", "id", id, "href", href, "error", err)
			return
		}

		g := &models.Game{
			ID:         id,
			Name:       strings.TrimSpace(link.Text()),
			URL:        gameURL,
			CoverImage: s.Find(sel.Thumb).First().AttrOr(sel.ThumbAttr, ""),
		}
		if price := s.Find(sel.Price).First(); price.Length() > 0 {
			g.Price = util.ParsePrice(price.Text())
		}
		games = append(games, g)
	})
	return games, nil
}

// ParseClaimable reports whether a game page offers a free download or claim. A page
// without a buy row (browser-only games) is not claimable.
func (p *Parser) ParseClaimable(body []byte) (bool, error) {
	doc, err := document(body)
	if err != nil {
		return false, err
	}
	row := doc.Find(p.sel.GamePage.BuyRow).First()
	if row.Length() == 0 {
		return false, nil
	}
	btn := row.Find(p.sel.GamePage.BuyButton).First()
	return strings.TrimSpace(btn.Text()) == p.sel.GamePage.ClaimableText, nil
}

// ParseOwnership reports whether a game page shows the logged-in user's ownership banner.
func (p *Parser) ParseOwnership(body []byte) (bool, error) {
	doc, err := document(body)
	if err != nil {
		return false, err
	}
	return doc.Find(p.sel.GamePage.OwnershipMarker).Length() > 0, nil
}

// GameData is the subset of a game's data.json the crawler uses.
type GameData struct {
	ID      int64
	SaleID  int64
	SaleEnd time.Time
}

type gameDataJSON struct {
	ID   int64 `json:"id"`
	Sale *struct {
		ID      int64  `json:"id"`
		EndDate string `json:"end_date"`
	} `json:"sale"`
}

// ParseGameData decodes data.json. A payload without a sale returns ErrNoActiveSale.
func (p *Parser) ParseGameData(body []byte) (GameData, error) {
	var raw gameDataJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return GameData{}, parseErr("data.json: %v", err)
	}
	data := GameData{ID: raw.ID}
	if raw.Sale == nil || raw.Sale.EndDate == "" {
		return data, models.ErrNoActiveSale
	}
	end, err := time.Parse(p.sel.GamePage.DataDateLayout, raw.Sale.EndDate)
	if err != nil {
		return data, parseErr("data.json end_date %q: %v", raw.Sale.EndDate, err)
	}
	data.SaleID = raw.Sale.ID
	data.SaleEnd = end.UTC()
	return data, nil
}

// DownloadURLResponse is the reply of the download negotiation and per-file endpoints.
type DownloadURLResponse struct {
	URL    string   `json:"url"`
	Errors []string `json:"errors"`
}

// ParseDownloadURL decodes a negotiation reply. A reply with neither url nor errors
// breaks the contract.
func ParseDownloadURL(body []byte) (DownloadURLResponse, error) {
	var resp DownloadURLResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, parseErr("download_url reply: %v", err)
	}
	if resp.URL == "" && len(resp.Errors) == 0 {
		return resp, parseErr("download_url reply has neither url nor errors")
	}
	return resp, nil
}

// ParseClaimForm returns the claim box form action, resolved against pageURL.
// ok is false when the page has no claim box.
func (p *Parser) ParseClaimForm(body []byte, pageURL string) (action string, ok bool, err error) {
	doc, err := document(body)
	if err != nil {
		return "", false, err
	}
	form := doc.Find(p.sel.DownloadPage.ClaimForm).First()
	if form.Length() == 0 {
		return "", false, nil
	}
	action, ok = form.Attr("action")
	if !ok || strings.TrimSpace(action) == "" {
		return "", false, parseErr("claim form has no action")
	}
	return util.ResolveURL(pageURL, action), true, nil
}

// ParseUploads lists the files on a download page. URL is left empty; it needs a
// per-file request to resolve.
func (p *Parser) ParseUploads(body []byte) ([]models.Upload, error) {
	doc, err := document(body)
	if err != nil {
		return nil, err
	}
	sel := p.sel.DownloadPage

	var (
		uploads []models.Upload
		errs    []string
	)
	doc.Find(sel.Upload).Each(func(i int, s *goquery.Selection) {
		idAttr := s.Find(sel.UploadButton).First().AttrOr(sel.UploadIDAttr, "")
		id, err := strconv.ParseInt(idAttr, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("upload %d: bad id %q", i, idAttr))
			return
		}
		u := models.Upload{
			ID:        id,
			Name:      strings.TrimSpace(s.Find(sel.Name).First().Text()),
			FileSize:  strings.TrimSpace(s.Find(sel.FileSize).First().Text()),
			Platforms: []string{},
		}
		if title, ok := s.Find(sel.UploadDate).First().Attr("title"); ok {
			if t, err := time.Parse(sel.UploadDateLayout, title); err == nil {
				u.UploadDate = t.UTC()
			} else {
				errs = append(errs, fmt.Sprintf("upload %d: date %q: %v", id, title, err))
			}
		}
		if platforms := s.Find(sel.Platforms).First(); platforms.Length() > 0 {
			for _, icon := range sel.PlatformIcons {
				if platforms.Find("span.icon-"+icon).Length() > 0 {
					u.Platforms = append(u.Platforms, icon)
				}
			}
		}
		uploads = append(uploads, u)
	})

	if len(errs) > 0 {
		slog.Warn("Encountered upload parsing issues", "count", len(errs), "issues", strings.Join(errs, "; "))
	}
	return uploads, nil
}

// ParseLoginForm returns the csrf_token hidden input of the login page.
func (p *Parser) ParseLoginForm(body []byte) (string, error) {
	doc, err := document(body)
	if err != nil {
		return "", err
	}
	token, ok := doc.Find(p.sel.Login.CSRFInput).First().Attr("value")
	if !ok || token == "" {
		return "", parseErr("login form has no csrf_token")
	}
	return token, nil
}

// ParseTOTPForm returns the user_id hidden input of the second-factor page.
func (p *Parser) ParseTOTPForm(body []byte) string {
	doc, err := document(body)
	if err != nil {
		return ""
	}
	return doc.Find(p.sel.Login.UserIDInput).First().AttrOr("value", "")
}

// ParseFormErrors returns the messages of a login form error box, if any.
func (p *Parser) ParseFormErrors(body []byte) []string {
	doc, err := document(body)
	if err != nil {
		return nil
	}
	var msgs []string
	doc.Find(p.sel.Login.FormErrors).Each(func(_ int, s *goquery.Selection) {
		items := s.Find("li")
		if items.Length() == 0 {
			if t := strings.TrimSpace(s.Text()); t != "" {
				msgs = append(msgs, t)
			}
			return
		}
		items.Each(func(_ int, li *goquery.Selection) {
			msgs = append(msgs, strings.TrimSpace(li.Text()))
		})
	})
	return msgs
}

// IsLoggedIn reports whether a page was rendered for an authenticated user.
func (p *Parser) IsLoggedIn(body []byte) bool {
	doc, err := document(body)
	if err != nil {
		return false
	}
	return doc.Find(p.sel.Login.LoggedInMarker).Length() > 0
}

// ListingPage is one page of a JSON-formatted listing (library or category on-sale).
type ListingPage struct {
	NumItems int    `json:"num_items"`
	Content  string `json:"content"`
}

// ParseListingPage decodes a listing page. NumItems == 0 marks the end of the listing.
func ParseListingPage(body []byte) (ListingPage, error) {
	var page ListingPage
	if err := json.Unmarshal(body, &page); err != nil {
		return page, parseErr("listing page: %v", err)
	}
	return page, nil
}

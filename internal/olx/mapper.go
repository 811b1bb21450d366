package olx

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/listing-harvester/internal/models"
	"github.com/shopspring/decimal"
)

const (
	photoWidth  = "1200"
	photoHeight = "900"
)

// Mapper converts raw search hits into listings.
type Mapper struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewMapper(logger *slog.Logger) *Mapper {
	return &Mapper{
		logger: logger.With("component", "olx_mapper"),
		now:    time.Now,
	}
}

// Map never fails. Undecodable hits come back as a listing without an id,
// which the accumulator ignores.
func (m *Mapper) Map(raw json.RawMessage) models.Listing {
	var src apiListing
	if err := json.Unmarshal(raw, &src); err != nil {
		m.logger.Warn("failed to decode listing", "error", err)
		return models.Listing{ScrapedAt: m.now()}
	}

	l := models.Listing{
		ID:             src.ID.String(),
		Title:          src.Title,
		URL:            src.URL,
		Description:    descriptionText(src.Description),
		CreatedTime:    m.parseTime(src.CreatedTime),
		RefreshedAt:    m.parseTime(src.LastRefreshTime),
		ValidTo:        m.parseTime(src.ValidToTime),
		OfferType:      src.OfferType,
		Business:       src.Business,
		PhoneProtected: src.ProtectPhone,
		Price:          m.price(src.Params),
		Params:         genericParams(src.Params),
		ScrapedAt:      m.now(),
	}

	if loc := src.Location; loc != nil {
		if loc.City != nil {
			l.Location.City = loc.City.Name
		}
		if loc.Region != nil {
			l.Location.Region = loc.Region.Name
		}
		if loc.District != nil {
			l.Location.District = loc.District.Name
		}
	}

	if mp := src.Map; mp != nil {
		l.Location.Latitude = mp.Lat
		l.Location.Longitude = mp.Lon
		l.Location.Radius = toInt(mp.Radius)
		l.Location.Zoom = toInt(mp.Zoom)
	}

	if u := src.User; u != nil {
		l.Seller = models.Seller{
			ID:       u.UUID,
			Name:     u.Name,
			Type:     u.SellerType,
			Created:  m.parseTime(u.Created),
			LastSeen: m.parseTime(u.LastSeen),
			IsOnline: u.IsOnline,
		}
	}

	if src.Category != nil {
		l.CategoryID = src.Category.ID.String()
	}

	if p := src.Promotion; p != nil {
		l.Promoted = p.TopAd
		l.Highlighted = p.Highlighted
		l.Urgent = p.Urgent
		l.PremiumAd = p.PremiumAdPage
		l.PromotionOptions = p.Options
	}

	if c := src.Contact; c != nil {
		l.ChatAvailable = c.Chat
		l.CourierAvailable = c.Courier
	}

	for _, photo := range src.Photos {
		link := strings.ReplaceAll(photo.Link, "{width}", photoWidth)
		link = strings.ReplaceAll(link, "{height}", photoHeight)
		l.PhotoURLs = append(l.PhotoURLs, link)
	}

	return l
}

func (m *Mapper) price(params []apiParam) models.Price {
	for _, p := range params {
		if p.Key != "price" || p.Value.TypeName != typePriceParam {
			continue
		}

		price := models.Price{
			Label:      p.Value.Label,
			Currency:   p.Value.Currency,
			Negotiable: p.Value.Negotiable,
		}
		if p.Value.Value != nil {
			d, err := decimal.NewFromString(p.Value.Value.String())
			if err != nil {
				m.logger.Warn("failed to parse price", "value", p.Value.Value.String(), "error", err)
			} else {
				price.Value = decimal.NewNullDecimal(d)
			}
		}
		return price
	}

	return models.Price{Label: models.NoPriceLabel}
}

func genericParams(params []apiParam) json.RawMessage {
	var out []models.Param
	for _, p := range params {
		if p.Value.TypeName != typeGenericParam {
			continue
		}
		out = append(out, models.Param{Name: p.Name, Key: p.Key, Value: p.Value.Label})
	}
	if len(out) == 0 {
		return nil
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return data
}

func (m *Mapper) parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		m.logger.Debug("failed to parse timestamp", "value", s, "error", err)
		return nil
	}
	return &t
}

// descriptionText strips the markup the site allows in descriptions.
func descriptionText(s string) string {
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})

	return strings.TrimSpace(doc.Text())
}

func toInt(f *float64) *int {
	if f == nil {
		return nil
	}
	v := int(*f)
	return &v
}

package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/listing-harvester/internal/models"
)

const (
	EventTypeListingDetected = "LISTING_DETECTED"
	AggregateTypeListing     = "listing"

	DefaultListingStream = "stream:listings"
	DefaultStatsCurrency = "PLN"
)

var ErrListingNotFound = errors.New("listing not found")

const upsertListingSQL = `
	INSERT INTO listings (
		olx_id, title, price_label, price_value, currency, negotiable,
		location_city, location_region, location_district,
		latitude, longitude, map_radius, map_zoom,
		created_time, refreshed_time, valid_to_time,
		url, description, offer_type, business,
		user_id, user_name, user_type, user_created, user_last_seen, user_is_online,
		category_id, promoted, highlighted, urgent, premium_ad, promotion_options,
		photos_count, photos_urls, params,
		phone_protected, chat_available, courier_available, scraped_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9,
		$10, $11, $12, $13,
		$14, $15, $16,
		$17, $18, $19, $20,
		$21, $22, $23, $24, $25, $26,
		$27, $28, $29, $30, $31, $32,
		$33, $34, $35,
		$36, $37, $38, $39
	)
	ON CONFLICT (olx_id) DO UPDATE SET
		title = EXCLUDED.title,
		description = EXCLUDED.description,
		price_value = EXCLUDED.price_value,
		price_label = EXCLUDED.price_label,
		currency = EXCLUDED.currency,
		negotiable = EXCLUDED.negotiable,
		refreshed_time = EXCLUDED.refreshed_time,
		valid_to_time = EXCLUDED.valid_to_time,
		promoted = EXCLUDED.promoted,
		highlighted = EXCLUDED.highlighted,
		urgent = EXCLUDED.urgent,
		premium_ad = EXCLUDED.premium_ad,
		promotion_options = EXCLUDED.promotion_options,
		photos_count = EXCLUDED.photos_count,
		photos_urls = EXCLUDED.photos_urls,
		params = EXCLUDED.params,
		updated_at = CURRENT_TIMESTAMP,
		is_active = TRUE
	RETURNING (xmax = 0) AS inserted`

type ListingOptions struct {
	// StatsCurrency restricts the average price to one currency.
	StatsCurrency string
	// EventStream is the outbox target for LISTING_DETECTED events.
	EventStream string
	// DisableEvents skips the outbox entirely.
	DisableEvents bool
}

// ListingRepository persists harvested listings. Inserted rows get a
// LISTING_DETECTED outbox event in the same transaction.
type ListingRepository struct {
	db     *DB
	outbox *OutboxRepository
	opts   ListingOptions
	logger *slog.Logger
}

func NewListingRepository(db *DB, logger *slog.Logger, opts ListingOptions) *ListingRepository {
	if opts.StatsCurrency == "" {
		opts.StatsCurrency = DefaultStatsCurrency
	}
	if opts.EventStream == "" {
		opts.EventStream = DefaultListingStream
	}
	return &ListingRepository{
		db:     db,
		outbox: NewOutboxRepository(db),
		opts:   opts,
		logger: logger.With("component", "listing_repository"),
	}
}

// DeactivateAll clears the active flag on every row and returns how many
// rows were active before.
func (r *ListingRepository) DeactivateAll(ctx context.Context) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `UPDATE listings SET is_active = FALSE WHERE is_active IS DISTINCT FROM FALSE`)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate listings: %w", err)
	}
	r.logger.Info("listings deactivated", "count", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// UpsertBatch writes listings in one transaction. Duplicate ids within the
// batch collapse to the last occurrence. It returns the number of rows
// written.
func (r *ListingRepository) UpsertBatch(ctx context.Context, listings []models.Listing) (int, error) {
	batch := dedupe(listings, r.logger)
	if len(batch) == 0 {
		return 0, nil
	}

	var inserted int
	err := r.db.Transaction(ctx, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for i := range batch {
			b.Queue(upsertListingSQL, upsertArgs(&batch[i])...)
		}

		results := tx.SendBatch(ctx, b)
		fresh := make([]*models.Listing, 0)
		for i := range batch {
			var isInsert bool
			if err := results.QueryRow().Scan(&isInsert); err != nil {
				results.Close()
				return fmt.Errorf("failed to upsert listing %s: %w", batch[i].ID, err)
			}
			if isInsert {
				fresh = append(fresh, &batch[i])
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("failed to close batch: %w", err)
		}
		inserted = len(fresh)

		if r.opts.DisableEvents {
			return nil
		}
		for _, l := range fresh {
			event, err := r.detectedEvent(l)
			if err != nil {
				return err
			}
			if err := r.outbox.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.Debug("batch upserted", "rows", len(batch), "inserted", inserted)
	return len(batch), nil
}

func dedupe(listings []models.Listing, logger *slog.Logger) []models.Listing {
	index := make(map[string]int, len(listings))
	out := make([]models.Listing, 0, len(listings))
	for _, l := range listings {
		if errs := l.Validate(); len(errs) > 0 {
			logger.Warn("skipping invalid listing", "id", l.ID, "errors", errs)
			continue
		}
		if i, ok := index[l.ID]; ok {
			out[i] = l
			continue
		}
		index[l.ID] = len(out)
		out = append(out, l)
	}
	return out
}

func upsertArgs(l *models.Listing) []any {
	scrapedAt := l.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = time.Now()
	}

	var params []byte
	if len(l.Params) > 0 {
		params = l.Params
	}

	return []any{
		l.ID, l.Title, l.Price.Label, l.Price.Value, nullString(l.Price.Currency), l.Price.Negotiable,
		l.Location.City, l.Location.Region, l.Location.District,
		l.Location.Latitude, l.Location.Longitude, l.Location.Radius, l.Location.Zoom,
		utc(l.CreatedTime), utc(l.RefreshedAt), utc(l.ValidTo),
		l.URL, l.Description, l.OfferType, l.Business,
		l.Seller.ID, l.Seller.Name, l.Seller.Type, utc(l.Seller.Created), utc(l.Seller.LastSeen), l.Seller.IsOnline,
		l.CategoryID, l.Promoted, l.Highlighted, l.Urgent, l.PremiumAd, l.PromotionOptions,
		l.PhotosCount(), l.PhotoURLs, params,
		l.PhoneProtected, l.ChatAvailable, l.CourierAvailable, scrapedAt.UTC(),
	}
}

// listingDetectedPayload is the body of a LISTING_DETECTED event.
type listingDetectedPayload struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	OLXID      string    `json:"olx_id"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Price      *string   `json:"price,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	City       string    `json:"city,omitempty"`
	CategoryID string    `json:"category_id,omitempty"`
	Promoted   bool      `json:"promoted"`
	Source     string    `json:"source"`
}

func (r *ListingRepository) detectedEvent(l *models.Listing) (*OutboxEvent, error) {
	payload := listingDetectedPayload{
		EventID:    uuid.New().String(),
		EventType:  EventTypeListingDetected,
		Timestamp:  time.Now(),
		OLXID:      l.ID,
		Title:      l.Title,
		URL:        l.URL,
		Currency:   l.Price.Currency,
		City:       l.Location.City,
		CategoryID: l.CategoryID,
		Promoted:   l.Promoted,
		Source:     "harvester",
	}
	if l.HasPrice() {
		p := l.Price.Value.Decimal.StringFixed(2)
		payload.Price = &p
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return &OutboxEvent{
		AggregateType: AggregateTypeListing,
		AggregateID:   l.ID,
		EventType:     EventTypeListingDetected,
		Payload:       data,
		TargetStream:  r.opts.EventStream,
	}, nil
}

// Stats summarizes the listings table.
func (r *ListingRepository) Stats(ctx context.Context) (*models.ListingStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE NOT is_active),
			AVG(price_value) FILTER (WHERE is_active AND price_value IS NOT NULL AND currency = $1),
			COUNT(*) FILTER (WHERE is_active AND promoted),
			MIN(created_time) FILTER (WHERE is_active),
			MAX(created_time) FILTER (WHERE is_active)
		FROM listings`

	stats := &models.ListingStats{Currency: r.opts.StatsCurrency}
	err := r.db.pool.QueryRow(ctx, query, r.opts.StatsCurrency).Scan(
		&stats.Total,
		&stats.Active,
		&stats.Inactive,
		&stats.AvgActivePrice,
		&stats.PromotedActive,
		&stats.OldestActive,
		&stats.NewestActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get listing stats: %w", err)
	}

	return stats, nil
}

// GetListing loads one listing by its marketplace id.
func (r *ListingRepository) GetListing(ctx context.Context, olxID string) (*models.Listing, bool, error) {
	query := `
		SELECT
			olx_id, COALESCE(title, ''), COALESCE(price_label, ''), price_value,
			COALESCE(currency, ''), COALESCE(negotiable, FALSE),
			COALESCE(location_city, ''), COALESCE(location_region, ''), COALESCE(location_district, ''),
			latitude::float8, longitude::float8, map_radius, map_zoom,
			created_time, refreshed_time, valid_to_time,
			COALESCE(url, ''), COALESCE(description, ''), COALESCE(offer_type, ''), COALESCE(business, FALSE),
			COALESCE(user_id, ''), COALESCE(user_name, ''), COALESCE(user_type, ''),
			user_created, user_last_seen, COALESCE(user_is_online, FALSE),
			COALESCE(category_id, ''), COALESCE(promoted, FALSE), COALESCE(highlighted, FALSE),
			COALESCE(urgent, FALSE), COALESCE(premium_ad, FALSE), promotion_options,
			photos_urls, params,
			COALESCE(phone_protected, FALSE), COALESCE(chat_available, FALSE), COALESCE(courier_available, FALSE),
			COALESCE(scraped_at, CURRENT_TIMESTAMP), COALESCE(is_active, TRUE)
		FROM listings
		WHERE olx_id = $1`

	var (
		l      models.Listing
		params []byte
		active bool
	)
	err := r.db.pool.QueryRow(ctx, query, olxID).Scan(
		&l.ID, &l.Title, &l.Price.Label, &l.Price.Value,
		&l.Price.Currency, &l.Price.Negotiable,
		&l.Location.City, &l.Location.Region, &l.Location.District,
		&l.Location.Latitude, &l.Location.Longitude, &l.Location.Radius, &l.Location.Zoom,
		&l.CreatedTime, &l.RefreshedAt, &l.ValidTo,
		&l.URL, &l.Description, &l.OfferType, &l.Business,
		&l.Seller.ID, &l.Seller.Name, &l.Seller.Type,
		&l.Seller.Created, &l.Seller.LastSeen, &l.Seller.IsOnline,
		&l.CategoryID, &l.Promoted, &l.Highlighted,
		&l.Urgent, &l.PremiumAd, &l.PromotionOptions,
		&l.PhotoURLs, &params,
		&l.PhoneProtected, &l.ChatAvailable, &l.CourierAvailable,
		&l.ScrapedAt, &active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrListingNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get listing: %w", err)
	}
	if len(params) > 0 {
		l.Params = json.RawMessage(params)
	}

	return &l, active, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package database

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS listings (
		id SERIAL PRIMARY KEY,
		olx_id VARCHAR(100) UNIQUE NOT NULL,
		title TEXT,
		price_label VARCHAR(100),
		price_value DECIMAL(10,2),
		currency VARCHAR(10),
		negotiable BOOLEAN,
		location_city VARCHAR(100),
		location_region VARCHAR(100),
		location_district VARCHAR(100),
		latitude DECIMAL(10,7),
		longitude DECIMAL(10,7),
		map_radius INTEGER,
		map_zoom INTEGER,
		created_time TIMESTAMP,
		refreshed_time TIMESTAMP,
		valid_to_time TIMESTAMP,
		url TEXT,
		description TEXT,
		offer_type VARCHAR(50),
		business BOOLEAN,
		user_id VARCHAR(100),
		user_name VARCHAR(200),
		user_type VARCHAR(50),
		user_created TIMESTAMP,
		user_last_seen TIMESTAMP,
		user_is_online BOOLEAN,
		category_id VARCHAR(50),
		promoted BOOLEAN,
		highlighted BOOLEAN,
		urgent BOOLEAN,
		premium_ad BOOLEAN,
		promotion_options TEXT[],
		photos_count INTEGER,
		photos_urls TEXT[],
		params JSONB,
		phone_protected BOOLEAN,
		chat_available BOOLEAN,
		courier_available BOOLEAN,
		scraped_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		is_active BOOLEAN DEFAULT TRUE
	)`,
	// Tables created before mark-sweep existed lack the flag.
	`ALTER TABLE listings ADD COLUMN IF NOT EXISTS is_active BOOLEAN DEFAULT TRUE`,
	`CREATE INDEX IF NOT EXISTS idx_olx_id ON listings(olx_id)`,
	`CREATE INDEX IF NOT EXISTS idx_price_value ON listings(price_value)`,
	`CREATE INDEX IF NOT EXISTS idx_location_city ON listings(location_city)`,
	`CREATE INDEX IF NOT EXISTS idx_created_time ON listings(created_time)`,
	`CREATE INDEX IF NOT EXISTS idx_location_coords ON listings(latitude, longitude)`,
	`CREATE INDEX IF NOT EXISTS idx_business ON listings(business)`,
	`CREATE INDEX IF NOT EXISTS idx_params ON listings USING GIN(params)`,
	`CREATE INDEX IF NOT EXISTS idx_is_active ON listings(is_active)`,

	`CREATE TABLE IF NOT EXISTS outbox_event (
		id UUID PRIMARY KEY,
		aggregate_type VARCHAR(50) NOT NULL,
		aggregate_id VARCHAR(100) NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		payload JSONB NOT NULL,
		target_stream VARCHAR(200) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ,
		next_retry_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status_retry ON outbox_event(status, next_retry_at)`,

	`CREATE TABLE IF NOT EXISTS crawl_runs (
		id UUID PRIMARY KEY,
		mode VARCHAR(20) NOT NULL,
		params JSONB NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		outcome VARCHAR(20),
		unique_count INTEGER NOT NULL DEFAULT 0,
		saved_count INTEGER NOT NULL DEFAULT 0,
		deactivated_count BIGINT NOT NULL DEFAULT 0,
		warnings JSONB,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_crawl_runs_status ON crawl_runs(status, created_at)`,
}

// EnsureSchema creates the tables and indexes the harvester needs. It is
// safe to run on every start.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

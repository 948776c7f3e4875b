// Package places resolves free-text place names to coordinates using a
// Nominatim-compatible geocoding endpoint. Lookups are cached and
// failures degrade gracefully: a node without coordinates is still a
// valid node.
package places

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/tripweaver/tripweaver/backend/internal/config"
	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

// Resolver geocodes place queries. Safe for concurrent use.
type Resolver struct {
	cfg    config.PlacesConfig
	client *http.Client
	cache  *gocache.Cache
}

// NewResolver creates a place resolver with an in-process TTL cache.
func NewResolver(cfg config.PlacesConfig) *Resolver {
	return &Resolver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}
}

type nominatimResult struct {
	PlaceID     int64  `json:"place_id"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Resolve geocodes a query like "Time Out Market, Lisbon". Returns nil
// without error when nothing matches or the upstream is unavailable;
// callers attach the location only when one comes back.
func (r *Resolver) Resolve(ctx context.Context, query string) (*models.Location, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	if cached, ok := r.cache.Get(query); ok {
		if loc, ok := cached.(*models.Location); ok {
			return cloneLocation(loc), nil
		}
	}

	endpoint := strings.TrimRight(r.cfg.Endpoint, "/") + "/search?" + url.Values{
		"q":      {query},
		"format": {"json"},
		"limit":  {"1"},
	}.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("places: create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "tripweaver/1.0")

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		log.Warn().Err(err).Str("query", query).Msg("Place lookup unavailable, continuing without coordinates")
		return nil, nil
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		log.Warn().Int("status", httpResp.StatusCode).Str("body", string(body)).Msg("Place lookup failed")
		return nil, nil
	}

	var results []nominatimResult
	if err := json.NewDecoder(httpResp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("places: decode response: %w", err)
	}
	if len(results) == 0 {
		// Negative results are cached too; retrying the same bad query
		// every turn just burns the rate limit.
		r.cache.Set(query, (*models.Location)(nil), gocache.DefaultExpiration)
		return nil, nil
	}

	lat, _ := strconv.ParseFloat(results[0].Lat, 64)
	lon, _ := strconv.ParseFloat(results[0].Lon, 64)
	loc := &models.Location{
		PlaceID:   strconv.FormatInt(results[0].PlaceID, 10),
		Address:   results[0].DisplayName,
		Latitude:  lat,
		Longitude: lon,
	}

	r.cache.Set(query, loc, gocache.DefaultExpiration)
	return cloneLocation(loc), nil
}

func cloneLocation(loc *models.Location) *models.Location {
	if loc == nil {
		return nil
	}
	cp := *loc
	return &cp
}

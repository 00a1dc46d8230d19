package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
	pkghttp "github.com/BradenHooton/totpgate/pkg/http"
)

// Location sources
const (
	LocationSourceIPInfo = "ipinfo"
	LocationSourceCache  = "cache"
	LocationSourceBasic  = "basic"
)

const maxLocationCacheEntries = 1000

// LocationConfig configures the ipinfo.io lookup client
type LocationConfig struct {
	Enabled  bool
	Token    string
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// ipinfoResponse is the subset of the ipinfo.io JSON body we use
type ipinfoResponse struct {
	IP       string `json:"ip"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Loc      string `json:"loc"`
	Org      string `json:"org"`
	Postal   string `json:"postal"`
	Timezone string `json:"timezone"`
	Bogon    bool   `json:"bogon"`
}

type cachedLocation struct {
	location models.Location
	cachedAt time.Time
}

// LocationStats summarizes the lookup cache
type LocationStats struct {
	Enabled     bool           `json:"enabled"`
	Configured  bool           `json:"configured"`
	CacheSize   int            `json:"cacheSize"`
	CacheTTLHrs float64        `json:"cacheExpiryHours"`
	TimeoutSecs float64        `json:"timeoutSeconds"`
	Lookups     int64          `json:"apiCalls"`
	CacheHits   int64          `json:"cacheHits"`
	Failures    int64          `json:"failures"`
	Countries   map[string]int `json:"countries"`
	Cities      map[string]int `json:"cities"`
	ISPs        map[string]int `json:"isps"`
}

// LocationService resolves client IPs to coarse locations via ipinfo.io
type LocationService struct {
	config LocationConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	cache     map[string]cachedLocation
	lookups   int64
	cacheHits int64
	failures  int64
}

// NewLocationService creates a new LocationService
func NewLocationService(config LocationConfig, logger *slog.Logger) *LocationService {
	if config.BaseURL == "" {
		config.BaseURL = "https://ipinfo.io"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 24 * time.Hour
	}

	return &LocationService{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cachedLocation),
	}
}

// Lookup returns the location of ip. It never fails: local addresses resolve
// to a "Local Network" record and lookup errors to an "Unknown" record.
func (s *LocationService) Lookup(ctx context.Context, ip string) models.Location {
	if _, err := netip.ParseAddr(ip); err != nil {
		return unknownLocation()
	}
	if pkghttp.IsLocalIP(ip) {
		return localLocation()
	}

	if loc, ok := s.cached(ip); ok {
		loc.Source = LocationSourceCache
		return loc
	}

	if !s.config.Enabled {
		return unknownLocation()
	}

	loc, err := s.fetch(ctx, ip)
	if err != nil {
		s.logger.Warn("location lookup failed",
			slog.String("ip", ip),
			slog.String("error", err.Error()))
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()

		// Cache the fallback too so a failing upstream is not hammered
		loc = unknownLocation()
	}

	s.store(ip, loc)
	return loc
}

func (s *LocationService) fetch(ctx context.Context, ip string) (models.Location, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(s.config.BaseURL, "/") + "/" + url.PathEscape(ip) + "/json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Location{}, err
	}
	req.Header.Set("Accept", "application/json")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()

	resp, err := s.client.Do(req)
	if err != nil {
		return models.Location{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return models.Location{}, fmt.Errorf("ipinfo returned status %d", resp.StatusCode)
	}

	var body ipinfoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return models.Location{}, fmt.Errorf("failed to decode ipinfo response: %w", err)
	}
	if body.Bogon {
		return localLocation(), nil
	}

	return locationFromIPInfo(body), nil
}

func locationFromIPInfo(body ipinfoResponse) models.Location {
	loc := models.Location{
		City:        orUnknown(body.City),
		Region:      orUnknown(body.Region),
		Country:     orUnknown(body.Country),
		CountryCode: body.Country,
		Timezone:    orUnknown(body.Timezone),
		ISP:         orUnknown(body.Org),
		Org:         orUnknown(body.Org),
		Postal:      orUnknown(body.Postal),
		Source:      LocationSourceIPInfo,
	}
	if loc.CountryCode == "" {
		loc.CountryCode = "XX"
	}

	switch {
	case body.City != "" && body.Region != "":
		loc.Display = body.City + ", " + body.Region + ", " + body.Country
	case body.Country != "":
		loc.Display = body.Country
	default:
		loc.Display = "External"
	}

	if lat, lon, ok := strings.Cut(body.Loc, ","); ok {
		if v, err := strconv.ParseFloat(lat, 64); err == nil {
			loc.Latitude = &v
		}
		if v, err := strconv.ParseFloat(lon, 64); err == nil {
			loc.Longitude = &v
		}
	}

	return loc
}

func orUnknown(v string) string {
	if v == "" {
		return unknown
	}
	return v
}

func localLocation() models.Location {
	return models.Location{
		City:        "Local",
		Region:      "Local Network",
		Country:     "Local",
		CountryCode: "LOCAL",
		Display:     "Local Network",
		Timezone:    time.Local.String(),
		ISP:         "Local Network",
		Org:         "Private Network",
		Postal:      "N/A",
		Source:      LocationSourceBasic,
	}
}

func unknownLocation() models.Location {
	return models.Location{
		City:        unknown,
		Region:      unknown,
		Country:     unknown,
		CountryCode: "XX",
		Display:     "External",
		Timezone:    unknown,
		ISP:         unknown,
		Org:         unknown,
		Postal:      unknown,
		Source:      LocationSourceBasic,
	}
}

func (s *LocationService) cached(ip string) (models.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[ip]
	if !ok || s.now().Sub(entry.cachedAt) >= s.config.CacheTTL {
		return models.Location{}, false
	}
	s.cacheHits++
	return entry.location, true
}

func (s *LocationService) store(ip string, loc models.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.cache[ip] = cachedLocation{location: loc, cachedAt: now}

	if len(s.cache) > maxLocationCacheEntries {
		for key, entry := range s.cache {
			if now.Sub(entry.cachedAt) >= s.config.CacheTTL {
				delete(s.cache, key)
			}
		}
	}
}

// Stats reports cache contents and lookup counters
func (s *LocationService) Stats() LocationStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := LocationStats{
		Enabled:     s.config.Enabled,
		Configured:  s.config.Token != "",
		CacheSize:   len(s.cache),
		CacheTTLHrs: s.config.CacheTTL.Hours(),
		TimeoutSecs: s.config.Timeout.Seconds(),
		Lookups:     s.lookups,
		CacheHits:   s.cacheHits,
		Failures:    s.failures,
		Countries:   make(map[string]int),
		Cities:      make(map[string]int),
		ISPs:        make(map[string]int),
	}

	for _, entry := range s.cache {
		loc := entry.location
		if loc.Country != "" && loc.Country != unknown {
			stats.Countries[loc.Country]++
		}
		if loc.City != "" && loc.City != unknown {
			stats.Cities[loc.City]++
		}
		if loc.ISP != "" && loc.ISP != unknown {
			stats.ISPs[loc.ISP]++
		}
	}

	return stats
}

// ClearCache empties the lookup cache and returns how many entries it held
func (s *LocationService) ClearCache() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.cache)
	s.cache = make(map[string]cachedLocation)
	return n
}

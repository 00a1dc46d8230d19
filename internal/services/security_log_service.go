package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/internal/repositories"
	"github.com/BradenHooton/totpgate/pkg/logger"
	"github.com/google/uuid"
)

const (
	defaultLogPageLimit = 50
	maxLogPageLimit     = 500
	sessionIDLogLength  = 8
)

// Locator resolves a client IP to a location
type Locator interface {
	Lookup(ctx context.Context, ip string) models.Location
}

// SecurityLogConfig configures the security log service
type SecurityLogConfig struct {
	Retention time.Duration
}

// LogPagination describes one page of a filtered listing
type LogPagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// LogStatistics counts events across the whole log
type LogStatistics struct {
	Total        int `json:"total"`
	Filtered     int `json:"filtered"`
	LoginSuccess int `json:"loginSuccess"`
	LoginFailed  int `json:"loginFailed"`
	RateLimited  int `json:"rateLimited"`
	Logouts      int `json:"logouts"`
	AdminActions int `json:"adminActions"`
	UniqueIPs    int `json:"uniqueIPs"`
	Last24Hours  int `json:"last24Hours"`
}

// LogFilterEcho reports the filters applied to a listing
type LogFilterEcho struct {
	Type      string     `json:"type"`
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
}

// SecurityLogPage is a filtered, paginated view of the security log
type SecurityLogPage struct {
	Logs       []*models.SecurityEvent `json:"logs"`
	Pagination LogPagination           `json:"pagination"`
	Filters    LogFilterEcho           `json:"filters"`
	Statistics LogStatistics           `json:"statistics"`
}

// CountEntry is a labelled count
type CountEntry struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// IPCount is a per-IP count
type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// DashboardSummary holds headline numbers for the dashboard
type DashboardSummary struct {
	TotalLogs           int `json:"totalLogs"`
	Last24Hours         int `json:"last24Hours"`
	Last7Days           int `json:"last7Days"`
	SuccessfulLogins    int `json:"successfulLogins"`
	FailedLogins        int `json:"failedLogins"`
	RateLimitedAttempts int `json:"rateLimitedAttempts"`
	UniqueIPs           int `json:"uniqueIPs"`
}

// DashboardTimeline counts events in rolling windows
type DashboardTimeline struct {
	Last24h   int `json:"last24h"`
	Last7d    int `json:"last7d"`
	ThisMonth int `json:"thisMonth"`
}

// SecurityDashboard is the admin overview of the security log
type SecurityDashboard struct {
	Summary          DashboardSummary        `json:"summary"`
	RecentActivity   []*models.SecurityEvent `json:"recentActivity"`
	TopIPs           []IPCount               `json:"topIPs"`
	TopFailedIPs     []IPCount               `json:"topFailedIPs"`
	Browsers         []CountEntry            `json:"browsers"`
	OperatingSystems []CountEntry            `json:"operatingSystems"`
	Timeline         DashboardTimeline       `json:"timeline"`
}

// TrendDay counts events for one calendar day
type TrendDay struct {
	Date         string `json:"date"`
	Total        int    `json:"total"`
	Successful   int    `json:"successful"`
	Failed       int    `json:"failed"`
	RateLimited  int    `json:"rateLimited"`
	AdminActions int    `json:"adminActions"`
}

// LogExport is a downloadable rendition of the log
type LogExport struct {
	Content     []byte
	Filename    string
	ContentType string
}

// SecurityLogService records and analyzes security events
type SecurityLogService struct {
	store   repositories.SecurityLogStore
	locator Locator
	audit   *logger.AuditLogger
	config  SecurityLogConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewSecurityLogService creates a new SecurityLogService. locator may be nil.
func NewSecurityLogService(store repositories.SecurityLogStore, locator Locator, config SecurityLogConfig, log *slog.Logger) *SecurityLogService {
	if config.Retention <= 0 {
		config.Retention = 30 * 24 * time.Hour
	}
	return &SecurityLogService{
		store:   store,
		locator: locator,
		audit:   logger.NewAuditLogger(log),
		config:  config,
		logger:  log,
		now:     time.Now,
	}
}

// Record enriches event with an ID, timestamp, device and location, then persists it.
// Persistence failures are logged; the enriched event is returned either way.
func (s *SecurityLogService) Record(ctx context.Context, event *models.SecurityEvent) *models.SecurityEvent {
	e := *event
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	if len(e.SessionID) > sessionIDLogLength {
		e.SessionID = e.SessionID[:sessionIDLogLength]
	}
	if e.UserAgent != "" && e.Browser == "" {
		device := ParseUserAgent(e.UserAgent)
		e.Browser, e.OS, e.Device = device.Browser, device.OS, device.Device
	}
	if e.Display == "" && e.IP != "" && s.locator != nil {
		e.Location = s.locator.Lookup(ctx, e.IP)
	}

	if err := s.store.Append(ctx, &e); err != nil {
		s.logger.Error("failed to persist security event",
			slog.String("type", e.Type),
			slog.String("error", err.Error()))
	}

	s.auditLine(&e)
	return &e
}

func (s *SecurityLogService) auditLine(e *models.SecurityEvent) {
	switch e.Type {
	case models.EventAdminAction:
		meta := map[string]string{}
		for k, v := range e.Details {
			meta[k] = fmt.Sprint(v)
		}
		s.audit.LogAdminAction(e.Action, e.IP, meta)
	case models.EventLogout, models.EventSessionExpired:
		s.audit.LogSessionEvent(e.Type, e.SessionID, e.IP, map[string]string{
			"session_minutes":    strconv.Itoa(e.SessionMinutes),
			"inactivity_minutes": strconv.Itoa(e.InactivityMinutes),
		})
	default:
		meta := map[string]string{}
		if e.MaskedCode != "" {
			meta["auth_code"] = e.MaskedCode
		}
		if e.RemainingAttempts != nil {
			meta["remaining_attempts"] = strconv.Itoa(*e.RemainingAttempts)
		}
		if e.Display != "" {
			meta["location"] = e.Display
		}
		s.audit.LogAuthAttempt(logger.AuditEvent{
			EventType:     e.Type,
			SessionID:     e.SessionID,
			IPAddress:     e.IP,
			UserAgent:     e.UserAgent,
			Success:       e.Type == models.EventLoginSuccess,
			FailureReason: e.Reason,
			Metadata:      meta,
		})
	}
}

// List returns a filtered page of the log, newest first, with whole-log statistics
func (s *SecurityLogService) List(ctx context.Context, filter models.SecurityLogFilter) (*SecurityLogPage, error) {
	events, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit < 1 {
		limit = defaultLogPageLimit
	}
	if limit > maxLogPageLimit {
		limit = maxLogPageLimit
	}
	eventType := filter.Type
	if eventType == "" {
		eventType = "all"
	}

	filtered := make([]*models.SecurityEvent, 0, len(events))
	for _, e := range events {
		if eventType != "all" && e.Type != eventType {
			continue
		}
		if filter.StartDate != nil && e.Timestamp.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && e.Timestamp.After(*filter.EndDate) {
			continue
		}
		filtered = append(filtered, e)
	}

	start := (page - 1) * limit
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	stats := s.statistics(events)
	stats.Filtered = len(filtered)

	return &SecurityLogPage{
		Logs: filtered[start:end],
		Pagination: LogPagination{
			Page:  page,
			Limit: limit,
			Total: len(filtered),
			Pages: int(math.Ceil(float64(len(filtered)) / float64(limit))),
		},
		Filters: LogFilterEcho{
			Type:      eventType,
			StartDate: filter.StartDate,
			EndDate:   filter.EndDate,
		},
		Statistics: stats,
	}, nil
}

func (s *SecurityLogService) statistics(events []*models.SecurityEvent) LogStatistics {
	dayAgo := s.now().Add(-24 * time.Hour)
	ips := make(map[string]struct{})
	stats := LogStatistics{Total: len(events)}

	for _, e := range events {
		ips[e.IP] = struct{}{}
		if e.Timestamp.After(dayAgo) {
			stats.Last24Hours++
		}
		switch e.Type {
		case models.EventLoginSuccess:
			stats.LoginSuccess++
		case models.EventLoginFailed:
			stats.LoginFailed++
		case models.EventRateLimited:
			stats.RateLimited++
		case models.EventLogout:
			stats.Logouts++
		case models.EventAdminAction:
			stats.AdminActions++
		}
	}
	stats.UniqueIPs = len(ips)
	return stats
}

// Dashboard summarizes the log for the admin overview
func (s *SecurityLogService) Dashboard(ctx context.Context) (*SecurityDashboard, error) {
	events, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}

	now := s.now()
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	d := &SecurityDashboard{RecentActivity: make([]*models.SecurityEvent, 0, 10)}
	d.Summary.TotalLogs = len(events)

	ipCounts := map[string]int{}
	failedCounts := map[string]int{}
	browsers := map[string]int{}
	systems := map[string]int{}

	for _, e := range events {
		ipCounts[e.IP]++
		if e.Browser != "" {
			browsers[e.Browser]++
		}
		if e.OS != "" {
			systems[e.OS]++
		}

		switch e.Type {
		case models.EventLoginSuccess:
			d.Summary.SuccessfulLogins++
		case models.EventLoginFailed:
			d.Summary.FailedLogins++
			failedCounts[e.IP]++
		case models.EventRateLimited:
			d.Summary.RateLimitedAttempts++
		}

		if e.Timestamp.After(dayAgo) {
			d.Summary.Last24Hours++
			if len(d.RecentActivity) < 10 {
				d.RecentActivity = append(d.RecentActivity, e)
			}
		}
		if e.Timestamp.After(weekAgo) {
			d.Summary.Last7Days++
		}
		local := e.Timestamp.In(now.Location())
		if local.Year() == now.Year() && local.Month() == now.Month() {
			d.Timeline.ThisMonth++
		}
	}

	d.Summary.UniqueIPs = len(ipCounts)
	d.Timeline.Last24h = d.Summary.Last24Hours
	d.Timeline.Last7d = d.Summary.Last7Days
	d.TopIPs = topIPs(ipCounts, 10)
	d.TopFailedIPs = topIPs(failedCounts, 5)
	d.Browsers = topCounts(browsers, 5)
	d.OperatingSystems = topCounts(systems, 5)

	return d, nil
}

func topCounts(counts map[string]int, n int) []CountEntry {
	out := make([]CountEntry, 0, len(counts))
	for k, c := range counts {
		out = append(out, CountEntry{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topIPs(counts map[string]int, n int) []IPCount {
	entries := topCounts(counts, n)
	out := make([]IPCount, len(entries))
	for i, e := range entries {
		out[i] = IPCount{IP: e.Key, Count: e.Count}
	}
	return out
}

// Trends returns per-day counts for the last days calendar days, oldest first
func (s *SecurityLogService) Trends(ctx context.Context, days int) ([]TrendDay, error) {
	if days < 1 {
		days = 7
	}
	events, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}

	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	first := today.AddDate(0, 0, -(days - 1))

	trends := make([]TrendDay, days)
	for i := range trends {
		trends[i].Date = first.AddDate(0, 0, i).Format("2006-01-02")
	}

	for _, e := range events {
		ts := e.Timestamp.In(now.Location())
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, now.Location())
		if day.Before(first) || day.After(today) {
			continue
		}
		idx := int(day.Sub(first).Hours()+12) / 24
		if idx < 0 || idx >= days {
			continue
		}

		t := &trends[idx]
		t.Total++
		switch e.Type {
		case models.EventLoginSuccess:
			t.Successful++
		case models.EventLoginFailed:
			t.Failed++
		case models.EventRateLimited:
			t.RateLimited++
		case models.EventAdminAction:
			t.AdminActions++
		}
	}

	return trends, nil
}

// Export renders the whole log as "json" or "csv"
func (s *SecurityLogService) Export(ctx context.Context, format string) (*LogExport, error) {
	events, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}

	now := s.now().UTC()
	stamp := now.Format("2006-01-02")

	if format == "csv" {
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write([]string{"Timestamp", "Type", "IP", "Browser", "OS", "Device", "Location", "Message"})
		for _, e := range events {
			message := e.Message
			if message == "" {
				message = e.Reason
			}
			_ = w.Write([]string{
				e.Timestamp.UTC().Format(time.RFC3339), e.Type, e.IP,
				e.Browser, e.OS, e.Device, e.Display, message,
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("failed to write csv export: %w", err)
		}

		return &LogExport{
			Content:     buf.Bytes(),
			Filename:    "security-logs-" + stamp + ".csv",
			ContentType: "text/csv",
		}, nil
	}

	content, err := json.MarshalIndent(struct {
		ExportDate   time.Time               `json:"exportDate"`
		TotalEntries int                     `json:"totalEntries"`
		Logs         []*models.SecurityEvent `json:"logs"`
	}{now, len(events), events}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode json export: %w", err)
	}

	return &LogExport{
		Content:     content,
		Filename:    "security-logs-" + stamp + ".json",
		ContentType: "application/json",
	}, nil
}

// Cleanup removes events older than the retention window
func (s *SecurityLogService) Cleanup(ctx context.Context, now time.Time) (int, error) {
	removed, err := s.store.DeleteBefore(ctx, now.Add(-s.config.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up security events: %w", err)
	}
	if removed > 0 {
		s.logger.Info("old security events removed", slog.Int("removed", removed))
	}
	return removed, nil
}

package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*.js
var staticFS embed.FS

// Page names
const (
	PageLogin = "login.html"
	PageMain  = "main.html"
	PageSetup = "setup.html"
)

// LoginData feeds the login page
type LoginData struct {
	ServiceName      string
	Error            string
	SessionExpired   bool
	RateLimited      bool
	RemainingMinutes int
}

// MainData feeds the main page
type MainData struct {
	ServiceName     string
	User            string
	LoginTime       string
	LoginIP         string
	Device          models.DeviceInfo
	MinutesLeft     int
	CheckIntervalMs int64
}

// SetupData feeds the setup page
type SetupData struct {
	ServiceName    string
	Issuer         string
	ManualEntryKey string
	QRCode         template.URL // data: URL, trusted because it is generated locally
}

// NewMainData builds the main page view of session
func NewMainData(serviceName string, session *models.SessionState, status models.SessionStatus, checkInterval time.Duration) MainData {
	return MainData{
		ServiceName:     serviceName,
		User:            session.User,
		LoginTime:       session.CreatedAt.UTC().Format(time.RFC1123),
		LoginIP:         session.LoginIP,
		Device:          session.Device,
		MinutesLeft:     int(status.TimeUntilExpiry / time.Minute),
		CheckIntervalMs: checkInterval.Milliseconds(),
	}
}

// Pages renders the embedded HTML pages
type Pages struct {
	templates map[string]*template.Template
}

// NewPages parses every page against the shared layout
func NewPages() (*Pages, error) {
	p := &Pages{templates: make(map[string]*template.Template)}
	for _, name := range []string{PageLogin, PageMain, PageSetup} {
		t, err := template.New(name).ParseFS(templateFS, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("failed to parse page %s: %w", name, err)
		}
		p.templates[name] = t
	}
	return p, nil
}

// Render writes page name with data. The page is rendered to a buffer first
// so a template error never leaves a half-written response.
func (p *Pages) Render(w http.ResponseWriter, status int, name string, data interface{}) error {
	t, ok := p.templates[name]
	if !ok {
		return fmt.Errorf("unknown page %q", name)
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return fmt.Errorf("failed to render page %s: %w", name, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// Static serves the page scripts under /static/
func Static() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

package services

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
)

// NotificationType names a class of security notification
type NotificationType string

const (
	NotifyLoginSuccess   NotificationType = "loginSuccess"
	NotifyLoginFailed    NotificationType = "loginFailed"
	NotifyRateLimited    NotificationType = "rateLimited"
	NotifyAdminActions   NotificationType = "adminActions"
	NotifySessionExpired NotificationType = "sessionExpired"
	NotifyTest           NotificationType = "test"
)

// Message is a notification rendered for every channel format
type Message struct {
	Subject  string
	Text     string
	HTML     string
	Telegram string // Telegram Bot API HTML subset
}

// messageData is the template view of an event
type messageData struct {
	Kind        NotificationType
	Title       string
	ServiceName string
	Time        string
	Event       *models.SecurityEvent
	UserAgent   string
	Coordinates string
	Details     string
	Accent      string

	RemainingAttempts int
}

var subjects = map[NotificationType]string{
	NotifyLoginSuccess:   "Security Alert: Successful Login Detected",
	NotifyLoginFailed:    "Security Alert: Failed Login Attempt",
	NotifyRateLimited:    "Security Alert: Rate Limited Access Attempt",
	NotifyAdminActions:   "Admin Action Notification",
	NotifySessionExpired: "Session Expired",
	NotifyTest:           "Test Notification",
}

var accents = map[NotificationType]string{
	NotifyLoginSuccess: "#28a745",
	NotifyLoginFailed:  "#fd7e14",
	NotifyRateLimited:  "#dc3545",
	NotifyAdminActions: "#ffc107",
	NotifyTest:         "#17a2b8",
}

const telegramTemplate = `{{define "location"}}IP: <code>{{.Event.IP}}</code>
City: {{or .Event.City "Unknown"}}
Region: {{or .Event.Region "Unknown"}}
Country: {{or .Event.Country "Unknown"}} ({{or .Event.CountryCode "XX"}})
ISP: {{or .Event.ISP .Event.Org "Unknown"}}
Device: {{or .Event.Browser "Unknown"}}/{{or .Event.OS "Unknown"}} ({{or .Event.Device "Unknown"}}){{end -}}
<b>{{.Title}}</b>

Time: {{.Time}}
{{template "location" .}}
{{- if eq .Kind "loginSuccess"}}
Location: {{or .Event.Display "Unknown"}}
Timezone: {{or .Event.Timezone "Unknown"}}
Coordinates: {{.Coordinates}}
Language: {{or .Event.AcceptLanguage "Unknown"}}
User Agent: <code>{{.UserAgent}}</code>
Session: {{.Event.SessionID}}
{{- else if eq .Kind "loginFailed"}}
Code: <code>{{.Event.MaskedCode}}</code>
Remaining attempts: {{.RemainingAttempts}}
{{- else if eq .Kind "rateLimited"}}
Attempts: {{.Event.TotalAttempts}}
Locked for: {{.Event.RemainingMinutes}} minutes

<i>Possible brute force attack detected</i>
{{- else if eq .Kind "adminActions"}}
Action: <b>{{.Event.Action}}</b>
Details: {{.Details}}
{{- else if eq .Kind "sessionExpired"}}
Session length: {{.Event.SessionMinutes}} minutes
Inactive for: {{.Event.InactivityMinutes}} minutes
{{- else if eq .Kind "test"}}

<i>This is a test notification from {{.ServiceName}}.</i>
{{- end}}

<i>{{.ServiceName}}</i>`

const emailHTMLTemplate = `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <div style="background: {{.Accent}}; color: white; padding: 20px; text-align: center;">
    <h1>{{.Title}}</h1>
  </div>
  <div style="padding: 20px; background: #f8f9fa;">
    <table style="width: 100%; border-collapse: collapse; background: white;">
      <tr><td style="padding: 8px; font-weight: bold;">Time:</td><td>{{.Time}}</td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">IP Address:</td><td><code>{{.Event.IP}}</code></td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">Location:</td><td>{{or .Event.Display "Unknown"}}</td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">Country:</td><td>{{or .Event.Country "Unknown"}} ({{or .Event.CountryCode "XX"}})</td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">ISP:</td><td>{{or .Event.ISP .Event.Org "Unknown"}}</td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">Coordinates:</td><td>{{.Coordinates}}</td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">Browser:</td><td>{{or .Event.Browser "Unknown"}}</td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">Operating System:</td><td>{{or .Event.OS "Unknown"}}</td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">Device Type:</td><td>{{or .Event.Device "Unknown"}}</td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">User Agent:</td><td><code style="font-size: 11px;">{{.UserAgent}}</code></td></tr>
      {{- if eq .Kind "loginSuccess"}}
      <tr><td style="padding: 8px; font-weight: bold;">Session:</td><td><code>{{.Event.SessionID}}</code></td></tr>
      {{- else if eq .Kind "rateLimited"}}
      <tr><td style="padding: 8px; font-weight: bold;">Failed Attempts:</td><td>{{.Event.TotalAttempts}}</td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">Locked Duration:</td><td>{{.Event.RemainingMinutes}} minutes</td></tr>
      {{- else if eq .Kind "adminActions"}}
      <tr><td style="padding: 8px; font-weight: bold;">Action:</td><td>{{.Event.Action}}</td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">Details:</td><td>{{.Details}}</td></tr>
      {{- end}}
    </table>
    {{- if eq .Kind "loginSuccess"}}
    <p style="margin-top: 20px; padding: 15px; background: #fff3cd;"><strong>Security Notice:</strong> If this login was not authorized by you, check your system immediately and regenerate your authentication secret.</p>
    {{- else if eq .Kind "rateLimited"}}
    <p style="margin-top: 15px; color: #dc3545;"><strong>Possible brute force attack detected.</strong></p>
    {{- end}}
  </div>
  <div style="background: #343a40; color: white; padding: 15px; text-align: center; font-size: 12px;">
    <p style="margin: 0;">{{.ServiceName}} - automated security notification</p>
  </div>
</div>`

const emailTextTemplate = `{{.Title}}

Time: {{.Time}}
IP Address: {{.Event.IP}}
Location: {{or .Event.Display "Unknown"}}
Country: {{or .Event.Country "Unknown"}} ({{or .Event.CountryCode "XX"}})
ISP: {{or .Event.ISP .Event.Org "Unknown"}}
Browser: {{or .Event.Browser "Unknown"}}
Operating System: {{or .Event.OS "Unknown"}}
Device Type: {{or .Event.Device "Unknown"}}
{{- if eq .Kind "loginSuccess"}}
Session: {{.Event.SessionID}}

If this login was not authorized, check your system immediately.
{{- else if eq .Kind "rateLimited"}}
Failed Attempts: {{.Event.TotalAttempts}}
Locked for: {{.Event.RemainingMinutes}} minutes
{{- else if eq .Kind "adminActions"}}
Action: {{.Event.Action}}
Details: {{.Details}}
{{- end}}

{{.ServiceName}}
`

var (
	telegramTmpl  = htmltemplate.Must(htmltemplate.New("telegram").Parse(telegramTemplate))
	emailHTMLTmpl = htmltemplate.Must(htmltemplate.New("email_html").Parse(emailHTMLTemplate))
	emailTextTmpl = texttemplate.Must(texttemplate.New("email_text").Parse(emailTextTemplate))
)

// RenderMessage renders event as a notification of the given kind
func RenderMessage(kind NotificationType, event *models.SecurityEvent, serviceName string) (Message, error) {
	subject, ok := subjects[kind]
	if !ok {
		subject = "Security Notification"
	}
	if kind == NotifyAdminActions && event.Action != "" {
		subject = "Admin Action: " + event.Action
	}

	data := messageData{
		Kind:        kind,
		Title:       subject,
		ServiceName: serviceName,
		Time:        event.Timestamp.UTC().Format(time.RFC1123),
		Event:       event,
		UserAgent:   truncate(event.UserAgent, 80),
		Coordinates: "Unknown",
		Details:     formatDetails(event.Details),
		Accent:      accents[kind],
	}
	if data.Accent == "" {
		data.Accent = "#6c757d"
	}
	if event.RemainingAttempts != nil {
		data.RemainingAttempts = *event.RemainingAttempts
	}
	if event.Latitude != nil && event.Longitude != nil {
		data.Coordinates = fmt.Sprintf("%.4f, %.4f", *event.Latitude, *event.Longitude)
	}

	msg := Message{Subject: "[" + serviceName + "] " + subject}

	var buf bytes.Buffer
	if err := telegramTmpl.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("failed to render telegram message: %w", err)
	}
	msg.Telegram = buf.String()

	buf.Reset()
	if err := emailHTMLTmpl.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("failed to render email html: %w", err)
	}
	msg.HTML = buf.String()

	buf.Reset()
	if err := emailTextTmpl.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("failed to render email text: %w", err)
	}
	msg.Text = buf.String()

	return msg, nil
}

func truncate(s string, n int) string {
	if s == "" {
		return "Unknown"
	}
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func formatDetails(details models.EventDetails) string {
	if len(details) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, ", ")
}

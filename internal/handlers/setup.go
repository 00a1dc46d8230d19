package handlers

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/totpgate/internal/auth"
	"github.com/BradenHooton/totpgate/internal/web"
	pkghttp "github.com/BradenHooton/totpgate/pkg/http"
)

// SecretReader returns the active TOTP secret
type SecretReader interface {
	Current() (string, error)
}

// Provisioner renders enrollment material for a secret
type Provisioner interface {
	ProvisioningURI(secret string) (string, error)
	QRCodeDataURL(secret string) (string, error)
	Issuer() string
}

// SetupHandler serves authenticator enrollment
type SetupHandler struct {
	secrets     SecretReader
	provisioner Provisioner
	enabled     bool
	serviceName string
	pages       *web.Pages
	logger      *slog.Logger
}

// NewSetupHandler creates a new SetupHandler. When enabled is false setup is
// only shown to an authenticated session.
func NewSetupHandler(secrets SecretReader, provisioner Provisioner, enabled bool, serviceName string, pages *web.Pages, logger *slog.Logger) *SetupHandler {
	return &SetupHandler{
		secrets:     secrets,
		provisioner: provisioner,
		enabled:     enabled,
		serviceName: serviceName,
		pages:       pages,
		logger:      logger,
	}
}

func (h *SetupHandler) allowed(r *http.Request) bool {
	return h.enabled || auth.GetSessionFromContext(r) != nil
}

func (h *SetupHandler) build() (*SetupResponse, error) {
	secret, err := h.secrets.Current()
	if err != nil {
		return nil, err
	}
	uri, err := h.provisioner.ProvisioningURI(secret)
	if err != nil {
		return nil, err
	}
	qr, err := h.provisioner.QRCodeDataURL(secret)
	if err != nil {
		return nil, err
	}
	return &SetupResponse{
		Secret:         secret,
		QRCode:         qr,
		ManualEntryKey: secret,
		OTPAuthURL:     uri,
		ServiceName:    h.serviceName,
		Issuer:         h.provisioner.Issuer(),
	}, nil
}

// SetupPage handles GET /setup
func (h *SetupHandler) SetupPage(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(r) {
		http.NotFound(w, r)
		return
	}

	resp, err := h.build()
	if err != nil {
		h.logger.Error("failed to build setup data", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	err = h.pages.Render(w, http.StatusOK, web.PageSetup, web.SetupData{
		ServiceName:    resp.ServiceName,
		Issuer:         resp.Issuer,
		ManualEntryKey: resp.ManualEntryKey,
		QRCode:         template.URL(resp.QRCode),
	})
	if err != nil {
		h.logger.Error("failed to render setup page", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

// SetupAPI handles GET /api/setup
func (h *SetupHandler) SetupAPI(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(r) {
		pkghttp.WriteNotFound(w, "Not found")
		return
	}

	resp, err := h.build()
	if err != nil {
		h.logger.Error("failed to build setup data", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

package auth

import (
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"

	"pdfbot/internal/config"
)

var (
	ErrMissingCredentials = errors.New("credentials required")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotAdmin           = errors.New("admin privileges required")
)

// Service checks the shared secrets guarding the inbound endpoints.
type Service struct {
	webhookSecret   string
	webhookHeader   string
	adminKey        string
	adminIDs        map[int64]struct{}
	headerName      string
	adminUserHeader string
}

// NewService builds the checker from the admin and webhook config sections.
func NewService(admin config.AdminConfig, webhook config.WebhookConfig) *Service {
	header := webhook.HeaderName
	if header == "" {
		header = "X-Webhook-Secret"
	}
	ids := make(map[int64]struct{}, len(admin.IDs))
	for _, id := range admin.IDs {
		ids[id] = struct{}{}
	}
	return &Service{
		webhookSecret:   webhook.Secret,
		webhookHeader:   header,
		adminKey:        admin.APIKey,
		adminIDs:        ids,
		headerName:      "Authorization",
		adminUserHeader: "X-Admin-User",
	}
}

// WebhookEnabled reports whether inbound requests must carry the secret.
func (s *Service) WebhookEnabled() bool {
	return s.webhookSecret != ""
}

// ValidateWebhook checks the secret presented by the front end.
func (s *Service) ValidateWebhook(presented string) error {
	if !s.WebhookEnabled() {
		return nil
	}
	if presented == "" {
		return ErrMissingCredentials
	}
	if !equal(presented, s.webhookSecret) {
		return ErrInvalidCredentials
	}
	return nil
}

// ValidateAdminKey checks a bearer admin key.
func (s *Service) ValidateAdminKey(key string) error {
	if key == "" {
		return ErrMissingCredentials
	}
	if s.adminKey == "" || !equal(key, s.adminKey) {
		return ErrInvalidCredentials
	}
	return nil
}

// IsAdmin reports whether userID is a configured administrator.
func (s *Service) IsAdmin(userID int64) bool {
	_, ok := s.adminIDs[userID]
	return ok
}

// ParseAdminUser validates the relayed admin user id header.
func (s *Service) ParseAdminUser(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrMissingCredentials
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ErrInvalidCredentials
	}
	if !s.IsAdmin(id) {
		return 0, ErrNotAdmin
	}
	return id, nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

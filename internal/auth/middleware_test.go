package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"pdfbot/internal/config"
)

func newTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/events", svc.WebhookMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.GET("/admin", svc.AdminMiddleware(), func(c *gin.Context) {
		id, _ := AdminIDFromContext(c)
		c.JSON(http.StatusOK, gin.H{"admin_id": id})
	})
	return r
}

func do(r http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestWebhookMiddleware(t *testing.T) {
	svc := NewService(config.AdminConfig{}, config.WebhookConfig{Secret: "s3cret"})
	r := newTestRouter(svc)

	if rec := do(r, http.MethodPost, "/events", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret: expected 401, got %d", rec.Code)
	}
	if rec := do(r, http.MethodPost, "/events", map[string]string{"X-Webhook-Secret": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: expected 401, got %d", rec.Code)
	}
	if rec := do(r, http.MethodPost, "/events", map[string]string{"X-Webhook-Secret": "s3cret"}); rec.Code != http.StatusNoContent {
		t.Fatalf("valid secret: expected 204, got %d", rec.Code)
	}
}

func TestWebhookDisabledWithoutSecret(t *testing.T) {
	svc := NewService(config.AdminConfig{}, config.WebhookConfig{})
	if rec := do(newTestRouter(svc), http.MethodPost, "/events", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected open endpoint, got %d", rec.Code)
	}
}

func TestAdminMiddleware(t *testing.T) {
	svc := NewService(
		config.AdminConfig{IDs: []int64{7}, APIKey: "admin-key"},
		config.WebhookConfig{Secret: "s3cret", HeaderName: "X-Bot-Secret"},
	)
	r := newTestRouter(svc)

	cases := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"no credentials", nil, http.StatusUnauthorized},
		{"bad key", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"api key", map[string]string{"Authorization": "Bearer admin-key"}, http.StatusOK},
		{"relayed admin", map[string]string{"X-Bot-Secret": "s3cret", "X-Admin-User": "7"}, http.StatusOK},
		{"relayed non-admin", map[string]string{"X-Bot-Secret": "s3cret", "X-Admin-User": "8"}, http.StatusForbidden},
		{"relayed without secret", map[string]string{"X-Admin-User": "7"}, http.StatusUnauthorized},
		{"relayed garbage", map[string]string{"X-Bot-Secret": "s3cret", "X-Admin-User": "abc"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		if rec := do(r, http.MethodGet, "/admin", tc.headers); rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}
	}
}

func TestAdminKeyUnsetRejectsBearer(t *testing.T) {
	svc := NewService(config.AdminConfig{}, config.WebhookConfig{})
	if err := svc.ValidateAdminKey("anything"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if !NewService(config.AdminConfig{IDs: []int64{1}}, config.WebhookConfig{}).IsAdmin(1) {
		t.Fatalf("configured id must be admin")
	}
}

package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"disasterrelay.example.org/gateway/internal/model"
)

type fakeAuth struct {
	systems map[string]*model.ExternalSystem // apiKey -> system
}

func (f *fakeAuth) GetByAPIKey(_ context.Context, apiKey string) (*model.ExternalSystem, error) {
	return f.systems[apiKey], nil
}

type fakeExistsChecker struct {
	exists bool
}

func (f *fakeExistsChecker) ExistsByIdentifier(_ context.Context, _, _ string) (bool, error) {
	return f.exists, nil
}

func newTestRouter(auth Authenticator, existsChecker ExistsChecker) http.Handler {
	h := NewHandler(nil, auth, existsChecker, nil, nil, nil, nil)
	return NewRouter(h)
}

func TestDeviceInfoRejectsMissingAuthHeaders(t *testing.T) {
	router := newTestRouter(&fakeAuth{systems: map[string]*model.ExternalSystem{}}, &fakeExistsChecker{})
	req := httptest.NewRequest(http.MethodPost, "/api/reports/device-info", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDeviceInfoRejectsUnknownAPIKey(t *testing.T) {
	router := newTestRouter(&fakeAuth{systems: map[string]*model.ExternalSystem{}}, &fakeExistsChecker{})
	req := httptest.NewRequest(http.MethodPost, "/api/reports/device-info", strings.NewReader(`{"deviceId":"d1","type":"CCTV"}`))
	req.Header.Set("x-system-name", "acme")
	req.Header.Set("x-api-key", "bogus")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDeviceInfoRejectsSystemNameMismatch(t *testing.T) {
	auth := &fakeAuth{systems: map[string]*model.ExternalSystem{
		"key-acme": {ID: "sys-1", SystemName: "acme", IsActive: true},
	}}
	router := newTestRouter(auth, &fakeExistsChecker{})
	req := httptest.NewRequest(http.MethodPost, "/api/reports/device-info", strings.NewReader(`{"deviceId":"d1","type":"CCTV"}`))
	req.Header.Set("x-system-name", "not-acme")
	req.Header.Set("x-api-key", "key-acme")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDeviceInfoRejectsMissingFields(t *testing.T) {
	auth := &fakeAuth{systems: map[string]*model.ExternalSystem{
		"key-acme": {ID: "sys-1", SystemName: "acme", IsActive: true},
	}}
	router := newTestRouter(auth, &fakeExistsChecker{})
	req := httptest.NewRequest(http.MethodPost, "/api/reports/device-info", strings.NewReader(`{}`))
	req.Header.Set("x-system-name", "acme")
	req.Header.Set("x-api-key", "key-acme")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeviceInfoRejectsMalformedJSON(t *testing.T) {
	auth := &fakeAuth{systems: map[string]*model.ExternalSystem{
		"key-acme": {ID: "sys-1", SystemName: "acme", IsActive: true},
	}}
	router := newTestRouter(auth, &fakeExistsChecker{})
	req := httptest.NewRequest(http.MethodPost, "/api/reports/device-info", strings.NewReader(`not json`))
	req.Header.Set("x-system-name", "acme")
	req.Header.Set("x-api-key", "key-acme")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDisasterResultRejectsUnknownIdentifier(t *testing.T) {
	auth := &fakeAuth{systems: map[string]*model.ExternalSystem{
		"key-acme": {ID: "sys-1", SystemName: "acme", IsActive: true},
	}}
	router := newTestRouter(auth, &fakeExistsChecker{exists: false})
	req := httptest.NewRequest(http.MethodPost, "/api/reports/disaster-result", strings.NewReader(`{"identifier":"A1","result":"OK"}`))
	req.Header.Set("x-system-name", "acme")
	req.Header.Set("x-api-key", "key-acme")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an identifier this subscriber was never fanned out, got %d", rec.Code)
	}
}

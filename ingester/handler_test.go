package ingester

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/intake/kit"
	"github.com/hazyhaar/intake/shield"
)

func multipartRequest(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func asClient(id string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(kit.WithClientID(r.Context(), id)))
	})
}

func TestUploadHandler_StatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     string
		want     int
		status   Status
	}{
		{"partial success", "users.csv", partialCSV, http.StatusOK, StatusPartialSuccess},
		{"unsupported", "notes.txt", "hello", http.StatusBadRequest, StatusFailed},
		{"validation failure", "users.csv", "name,email\nAnn,nope\n", http.StatusUnprocessableEntity, StatusFailed},
		{"too large", "users.csv", strings.Repeat("a", 300), http.StatusRequestEntityTooLarge, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, WithMaxBytes(256))
			rec := httptest.NewRecorder()
			asClient("acme", UploadHandler(f.ing)).ServeHTTP(rec, multipartRequest(t, tt.filename, []byte(tt.data)))
			if rec.Code != tt.want {
				t.Fatalf("code = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
			var s Summary
			if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
				t.Fatal(err)
			}
			if s.Status != tt.status {
				t.Errorf("status = %s", s.Status)
			}
			if rec.Header().Get("X-Run-ID") == "" {
				t.Error("missing X-Run-ID")
			}
		})
	}
}

func TestUploadHandler_RateLimited(t *testing.T) {
	limiter := shield.NewRateLimiter(shield.RateLimitConfig{MaxRequests: 1, Window: time.Minute})
	f := newFixture(t, WithLimiter(limiter))
	h := asClient("acme", UploadHandler(f.ing))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, multipartRequest(t, "users.csv", []byte(partialCSV)))
		if rec.Code != want {
			t.Errorf("request %d: code = %d, want %d", i+1, rec.Code, want)
		}
	}
}

func TestUploadHandler_DeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.mock.FailNext(10, http.StatusInternalServerError)
	rec := httptest.NewRecorder()
	asClient("acme", UploadHandler(f.ing)).ServeHTTP(rec, multipartRequest(t, "users.csv", []byte(partialCSV)))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestUploadHandler_BadRequests(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		h    http.Handler
		req  *http.Request
		want int
	}{
		{"no client", UploadHandler(f.ing), multipartRequest(t, "users.csv", []byte(partialCSV)), http.StatusUnauthorized},
		{"not multipart", asClient("acme", UploadHandler(f.ing)), httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader("x")), http.StatusBadRequest},
		{"wrong method", asClient("acme", UploadHandler(f.ing)), httptest.NewRequest(http.MethodGet, "/v1/uploads", nil), http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.h.ServeHTTP(rec, tt.req)
			if rec.Code != tt.want {
				t.Errorf("code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if f.mock.Requests() != 0 {
		t.Error("platform should not be called")
	}
}

func TestCheckHandler(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	asClient("acme", CheckHandler(f.ing)).ServeHTTP(rec, multipartRequest(t, `C:\exports\users.csv`, []byte(partialCSV)))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Summary
		Records []map[string]any `json:"records"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Records) != 2 || body.Records[0]["email"] != "ann@example.com" {
		t.Errorf("records = %v", body.Records)
	}
	if f.mock.Requests() != 0 {
		t.Error("check must not deliver")
	}
}

package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openvault/dossier/internal/common"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVerifyPDF(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		ok   bool
	}{
		{"valid pdf", []byte("%PDF-1.7\nstuff"), true},
		{"empty payload", nil, false},
		{"gate html", []byte("<!DOCTYPE html><html>consent</html>"), false},
		{"gate html with leading whitespace", []byte("\n\t <html lang=\"en\">"), false},
		{"random bytes", []byte{0x01, 0x02, 0x03}, false},
	}
	for _, tt := range tests {
		err := VerifyPDF(tt.data)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok {
			if !errors.Is(err, common.ErrIntegrity) {
				t.Errorf("%s: expected ErrIntegrity, got %v", tt.name, err)
			}
		}
	}
}

func TestLooksLikeHTMLHeadOnly(t *testing.T) {
	// HTML markers past the sniff window must not trigger.
	data := append(bytes.Repeat([]byte("x"), 600), []byte("<html>")...)
	if LooksLikeHTML(data) {
		t.Error("marker beyond the 512-byte head should not match")
	}
}

func newTestFetcher(t *testing.T) *GatedFetcher {
	t.Helper()
	f, err := NewGatedFetcher(common.FetchConfig{
		GateURLPattern: "age-verify",
	}, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestFetchReturnsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.7 payload"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	data, err := f.Fetch(context.Background(), Descriptor{SourceURL: srv.URL + "/a.pdf", Filename: "a.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		t.Errorf("unexpected payload: %q", data)
	}
}

func TestFetchClassifiesServerErrorsAsTransient(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "busy", status)
		}))
		f := newTestFetcher(t)
		_, err := f.Fetch(context.Background(), Descriptor{SourceURL: srv.URL + "/a.pdf"})
		srv.Close()
		if !errors.Is(err, common.ErrTransientNetwork) {
			t.Errorf("status %d: expected ErrTransientNetwork, got %v", status, err)
		}
	}
}

func TestFetchPermanentClientErrorIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), Descriptor{SourceURL: srv.URL + "/a.pdf"})
	if err == nil {
		t.Fatal("expected an error for 404")
	}
	if errors.Is(err, common.ErrTransientNetwork) {
		t.Error("a 404 must not be classified transient")
	}
}

func TestIsGate(t *testing.T) {
	f := newTestFetcher(t)

	tests := []struct {
		name        string
		finalURL    string
		contentType string
		body        []byte
		want        bool
	}{
		{"redirected to gate", "https://example.org/age-verify?next=/a.pdf", "application/pdf", []byte("%PDF-"), true},
		{"html content type", "https://example.org/a.pdf", "text/html; charset=utf-8", []byte("%PDF-"), true},
		{"html body", "https://example.org/a.pdf", "application/pdf", []byte("<!DOCTYPE html>"), true},
		{"real pdf", "https://example.org/a.pdf", "application/pdf", []byte("%PDF-1.7"), false},
	}
	for _, tt := range tests {
		if got := f.isGate(tt.finalURL, tt.contentType, tt.body); got != tt.want {
			t.Errorf("%s: isGate = %v, want %v", tt.name, got, tt.want)
		}
	}
}

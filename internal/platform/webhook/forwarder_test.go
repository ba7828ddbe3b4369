package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestForwarder_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(strings.Repeat("x", 10000)))
	}))
	defer srv.Close()

	res := NewForwarder(time.Second).Forward(context.Background(), srv.URL, "c", []byte(`{}`))
	if !res.Delivered || res.StatusCode != http.StatusAccepted || res.Error != "" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Duration <= 0 {
		t.Error("expected a positive duration")
	}
}

func TestForwarder_DoesNotFollowRedirects(t *testing.T) {
	var redirected bool
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		redirected = true
	}))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	res := NewForwarder(time.Second).Forward(context.Background(), srv.URL, "c", []byte(`{}`))
	if res.Delivered || res.StatusCode != http.StatusFound {
		t.Errorf("expected undelivered 302, got %+v", res)
	}
	if redirected {
		t.Error("redirect should not be followed")
	}
}

func TestForwarder_InvalidURL(t *testing.T) {
	res := NewForwarder(time.Second).Forward(context.Background(), "://bad", "c", nil)
	if res.Delivered || res.Error == "" {
		t.Errorf("expected error result, got %+v", res)
	}
}

func TestForwarder_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	res := NewForwarder(50*time.Millisecond).Forward(context.Background(), srv.URL, "c", []byte(`{}`))
	if res.Delivered || !strings.HasPrefix(res.Error, "timeout") {
		t.Errorf("expected timeout result, got %+v", res)
	}
}

func TestValidateDestinationURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://client.example/hook", false},
		{"http://10.0.0.5:8080/cb?x=1", false},
		{"", true},
		{"   ", true},
		{"client.example/hook", true},
		{"ftp://client.example/hook", true},
		{"https://", true},
		{"not a url", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateDestinationURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDestinationURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(code) != 32 || strings.Trim(code, "0123456789abcdef") != "" {
			t.Fatalf("code %q does not have the expected shape", code)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true
	}
}

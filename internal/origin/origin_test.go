package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	t.Run("normalizes scheme and host", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("HTTPS://Example.COM:443")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "https://example.com" {
			t.Fatalf("normalized=%q, want %q", normalized, "https://example.com")
		}
		if host != "example.com" {
			t.Fatalf("host=%q, want %q", host, "example.com")
		}
	})

	t.Run("keeps non-default port and trailing slash", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://localhost:5173/")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://localhost:5173" || host != "localhost:5173" {
			t.Fatalf("normalized=%q host=%q", normalized, host)
		}
	})

	t.Run("brackets ipv6", func(t *testing.T) {
		normalized, _, ok := NormalizeHeader("http://[::1]:8080")
		if !ok || normalized != "http://[::1]:8080" {
			t.Fatalf("normalized=%q ok=%v", normalized, ok)
		}
	})

	t.Run("allows null origin", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("null")
		if !ok || normalized != "null" || host != "" {
			t.Fatalf("normalized=%q host=%q ok=%v", normalized, host, ok)
		}
	})

	t.Run("rejects malformed origins", func(t *testing.T) {
		cases := []string{
			"",
			"ftp://example.com",
			"https://example.com/path",
			"https://example.com/?q=1",
			"https://user@example.com",
			"https://example.com/#frag",
			"https://example.com:0",
			"https://example.com:99999",
			"https://example.com,https://evil.example.com",
		}
		for _, c := range cases {
			if _, _, ok := NormalizeHeader(c); ok {
				t.Fatalf("expected ok=false for %q", c)
			}
		}
	})
}

func TestIsAllowed(t *testing.T) {
	normalized, host, ok := NormalizeHeader("https://app.example.com")
	if !ok {
		t.Fatalf("NormalizeHeader ok=false")
	}

	t.Run("default is same host only", func(t *testing.T) {
		if !IsAllowed(normalized, host, "app.example.com", nil) {
			t.Fatalf("expected same host to be allowed")
		}
		if !IsAllowed(normalized, host, "APP.example.com:443", nil) {
			t.Fatalf("expected default port to be equivalent")
		}
		if IsAllowed(normalized, host, "other.example.com", nil) {
			t.Fatalf("expected different host to be rejected")
		}
	})

	t.Run("allow list", func(t *testing.T) {
		if !IsAllowed(normalized, host, "relay.internal", []string{"*"}) {
			t.Fatalf("expected * to allow any origin")
		}
		if !IsAllowed(normalized, host, "relay.internal", []string{"https://app.example.com"}) {
			t.Fatalf("expected listed origin to be allowed")
		}
		if IsAllowed(normalized, host, "app.example.com", []string{"https://other.example.com"}) {
			t.Fatalf("expected unlisted origin to be rejected even on same host")
		}
	})

	t.Run("null never matches same host", func(t *testing.T) {
		if IsAllowed("null", "", "app.example.com", nil) {
			t.Fatalf("expected null origin to be rejected")
		}
	})
}

func TestCheck(t *testing.T) {
	r := httptest.NewRequest("GET", "http://relay.example.com/signal", nil)
	if normalized, ok := Check(r, nil); !ok || normalized != "" {
		t.Fatalf("no origin: normalized=%q ok=%v", normalized, ok)
	}

	r.Header.Set("Origin", "http://relay.example.com")
	if normalized, ok := Check(r, nil); !ok || normalized != "http://relay.example.com" {
		t.Fatalf("same host: normalized=%q ok=%v", normalized, ok)
	}

	r.Header.Set("Origin", "http://evil.example.com")
	if _, ok := Check(r, nil); ok {
		t.Fatalf("expected cross origin to be rejected")
	}

	r.Header.Set("Origin", "not a url")
	if _, ok := Check(r, []string{"*"}); ok {
		t.Fatalf("expected malformed origin to be rejected")
	}
}

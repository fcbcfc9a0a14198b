package origin

import "testing"

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		in       string
		wantOrig string
		wantHost string
		wantOK   bool
	}{
		{"https://example.com", "https://example.com", "example.com", true},
		{"https://Example.COM:443", "https://example.com", "example.com", true},
		{"http://localhost:3000", "http://localhost:3000", "localhost:3000", true},
		{"http://example.com:80", "http://example.com", "example.com", true},
		{"https://[::1]:8443", "https://[::1]:8443", "[::1]:8443", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"ftp://example.com", "", "", false},
		{"https://example.com/app", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com?x=1", "", "", false},
		{"https://example.com:0", "", "", false},
		{"https://[::1", "", "", false},
	}

	for _, tc := range cases {
		gotOrig, gotHost, ok := NormalizeHeader(tc.in)
		if ok != tc.wantOK {
			t.Fatalf("NormalizeHeader(%q) ok=%v, want %v", tc.in, ok, tc.wantOK)
		}
		if !ok {
			continue
		}
		if gotOrig != tc.wantOrig || gotHost != tc.wantHost {
			t.Fatalf("NormalizeHeader(%q)=(%q,%q), want (%q,%q)", tc.in, gotOrig, gotHost, tc.wantOrig, tc.wantHost)
		}
	}
}

func TestIsAllowed_Allowlist(t *testing.T) {
	allowed := []string{"https://app.example.com"}

	if !IsAllowed("https://app.example.com", "app.example.com", "relay.example.com", allowed) {
		t.Fatalf("expected allowlisted origin to pass")
	}
	if IsAllowed("https://evil.example.com", "evil.example.com", "relay.example.com", allowed) {
		t.Fatalf("expected non-allowlisted origin to fail")
	}
	if !IsAllowed("https://anything.example.com", "anything.example.com", "relay.example.com", []string{"*"}) {
		t.Fatalf("expected wildcard to allow any origin")
	}
}

func TestIsAllowed_SameHostDefault(t *testing.T) {
	if !IsAllowed("http://localhost:3000", "localhost:3000", "localhost:3000", nil) {
		t.Fatalf("expected same host:port to pass")
	}
	if !IsAllowed("https://example.com", "example.com", "example.com:443", nil) {
		t.Fatalf("expected default port to be treated as equivalent")
	}
	if IsAllowed("http://localhost:3000", "localhost:3000", "localhost:8080", nil) {
		t.Fatalf("expected differing ports to fail")
	}
	if IsAllowed("null", "", "example.com", nil) {
		t.Fatalf("expected null origin to fail same-host policy")
	}
}

package hub

import (
	"net/http/httptest"
	"testing"
)

func TestToSet(t *testing.T) {
	s := toSet([]string{"containers", "events"})
	if !s["containers"] || !s["events"] {
		t.Fatal("expected both topics present")
	}
	if s["deployments"] {
		t.Fatal("unexpected topic present")
	}
}

func TestBearerAuthenticatorRejectsEmptyExpected(t *testing.T) {
	auth := BearerAuthenticator("")
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer something")
	if auth(req) {
		t.Fatal("expected rejection when no expected token is configured")
	}
}

func TestBearerAuthenticatorAcceptsMatchingToken(t *testing.T) {
	auth := BearerAuthenticator("secret-token")
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	if !auth(req) {
		t.Fatal("expected acceptance of matching bearer token")
	}
}

func TestBearerAuthenticatorRejectsMismatch(t *testing.T) {
	auth := BearerAuthenticator("secret-token")
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if auth(req) {
		t.Fatal("expected rejection of mismatched bearer token")
	}
}

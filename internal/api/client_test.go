package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rzbill/harvest/internal/faults"
)

func testRequest() Request {
	return Request{
		Service:      ServiceCompute,
		APIVersion:   "2023-07-01",
		Method:       "GET",
		ResourcePath: "/subscriptions/{subscriptionId}/vms/{vmName}",
		Parameters:   map[string]string{"subscriptionId": "sub-1", "vmName": "vm-a"},
		QueryParams:  map[string]string{"$filter": "x eq 'y'"},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(DefaultRegistry(), ClientOptions{
		BaseURL:    srv.URL,
		Tokens:     StaticToken("tok"),
		HTTPClient: srv.Client(),
	})
}

func TestCallBuildsURLAndAuth(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "vm-a"})
	})

	body, err := c.Call(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotPath != "/subscriptions/sub-1/vms/vm-a" {
		t.Fatalf("path templating: %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	var obj map[string]string
	if err := json.Unmarshal(body, &obj); err != nil || obj["name"] != "vm-a" {
		t.Fatalf("body: %s err=%v", body, err)
	}
	for _, want := range []string{"api-version=2023-07-01", "%24filter="} {
		if !contains(gotQuery, want) {
			t.Fatalf("query missing %q: %q", want, gotQuery)
		}
	}
}

func TestCallDefaultsAPIVersionFromRegistry(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{}`))
	})
	req := testRequest()
	req.APIVersion = ""
	if _, err := c.Call(context.Background(), req); err != nil {
		t.Fatalf("call: %v", err)
	}
	if !contains(gotQuery, "api-version=2023-07-01") {
		t.Fatalf("registry default version not applied: %q", gotQuery)
	}
}

func TestCallClassifiesThrottlingTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	_, err := c.Call(context.Background(), testRequest())
	if !faults.IsTransient(err) {
		t.Fatalf("429 should be transient, got %v", err)
	}
}

func TestCallClassifiesServerErrorTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	_, err := c.Call(context.Background(), testRequest())
	if !faults.IsTransient(err) {
		t.Fatalf("502 should be transient, got %v", err)
	}
}

func TestCallClassifiesAuthDenialPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	})
	_, err := c.Call(context.Background(), testRequest())
	if !faults.IsPermanent(err) {
		t.Fatalf("403 should be permanent, got %v", err)
	}
}

func TestValidateRejectsMalformedRequests(t *testing.T) {
	reg := DefaultRegistry()
	bad := testRequest()
	bad.Service = "mystery"
	if err := bad.Validate(reg); !faults.IsPermanent(err) {
		t.Fatalf("unknown service: %v", err)
	}
	bad = testRequest()
	bad.Method = "PATCH"
	if err := bad.Validate(reg); !faults.IsPermanent(err) {
		t.Fatalf("bad method: %v", err)
	}
	bad = testRequest()
	bad.ResourcePath = "no-slash"
	if err := bad.Validate(reg); !faults.IsPermanent(err) {
		t.Fatalf("bad path: %v", err)
	}
}

func TestUnresolvedParameterIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) })
	req := testRequest()
	req.Parameters = map[string]string{"subscriptionId": "sub-1"} // vmName left unresolved
	_, err := c.Call(context.Background(), req)
	if !faults.IsPermanent(err) {
		t.Fatalf("unresolved template should be permanent, got %v", err)
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }

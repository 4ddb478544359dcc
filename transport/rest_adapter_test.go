package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

func TestRESTAdapterSendsRequest(t *testing.T) {
	var seen *http.Request
	var seenBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		raw, _ := io.ReadAll(r.Body)
		seenBody = string(raw)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"paymentId":"p-1"}`))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	adapter.DefaultHeaders["Accept"] = "application/vnd.sparebank1.v1+json; charset=utf-8"
	res, err := adapter.Do(context.Background(), core.TransportRequest{
		Method:  http.MethodPost,
		URL:     server.URL + "/personal/banking/transfer/debit",
		Query:   map[string]string{"includeNokAccounts": "true"},
		Headers: map[string]string{"Authorization": "Bearer tok"},
		Body:    []byte(`{"amount":"1.00"}`),
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if res.StatusCode != http.StatusCreated || string(res.Body) != `{"paymentId":"p-1"}` {
		t.Fatalf("unexpected response %d %s", res.StatusCode, res.Body)
	}
	if res.Headers["Retry-After"] != "30" {
		t.Fatalf("expected flattened headers, got %+v", res.Headers)
	}
	if seen.Method != http.MethodPost || seen.URL.Query().Get("includeNokAccounts") != "true" {
		t.Fatalf("unexpected request %s %s", seen.Method, seen.URL)
	}
	if seen.Header.Get("Authorization") != "Bearer tok" || seen.Header.Get("Accept") == "" {
		t.Fatalf("expected default and request headers, got %+v", seen.Header)
	}
	if seenBody != `{"amount":"1.00"}` {
		t.Fatalf("unexpected body %q", seenBody)
	}
}

func TestRESTAdapterPassesErrorStatusThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":[{"code":"X"}]}`))
	}))
	defer server.Close()

	res, err := NewRESTAdapter(server.Client()).Do(context.Background(), core.TransportRequest{URL: server.URL})
	if err != nil {
		t.Fatalf("status codes are not transport errors: %v", err)
	}
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.StatusCode)
	}
}

func TestRESTAdapterConnectionFailureIsNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewRESTAdapter(nil).Do(context.Background(), core.TransportRequest{URL: url})
	if !core.IsNetworkFailure(err) || !core.IsRetryable(err) {
		t.Fatalf("expected retryable network failure, got %v", err)
	}
}

func TestRESTAdapterTimeoutIsNetworkFailure(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	adapter := NewRESTAdapter(server.Client())
	adapter.Timeout = 20 * time.Millisecond
	_, err := adapter.Do(context.Background(), core.TransportRequest{URL: server.URL})
	if !core.IsNetworkFailure(err) {
		t.Fatalf("expected network failure on timeout, got %v", err)
	}
}

func TestRESTAdapterResponseLimitReturnsRichError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	adapter.MaxResponseBodyBytes = 4

	_, err := adapter.Do(context.Background(), core.TransportRequest{Method: http.MethodGet, URL: server.URL})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryExternal || rich.TextCode != core.ErrorNetworkFailure {
		t.Fatalf("unexpected envelope %q %q", rich.Category, rich.TextCode)
	}
	if rich.Code != http.StatusBadGateway {
		t.Fatalf("expected %d code, got %d", http.StatusBadGateway, rich.Code)
	}
}

func TestRESTAdapterRejectsRelativeURL(t *testing.T) {
	_, err := NewRESTAdapter(nil).Do(context.Background(), core.TransportRequest{URL: "/relative"})
	if err == nil || core.IsNetworkFailure(err) {
		t.Fatalf("expected non-network error for relative url, got %v", err)
	}
}

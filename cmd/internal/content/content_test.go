package content

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestQuoteRandom(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/random" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":" Stay hungry. ","author":"Steve Jobs"}`))
	}))
	defer srv.Close()

	q, err := NewQuoteClient(WithBaseURL(srv.URL)).Random(context.Background())
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	if q.Content != "Stay hungry." || q.Author != "Steve Jobs" {
		t.Fatalf("Random()=%+v", q)
	}
}

func TestQuoteUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"down"}`))
	}))
	defer srv.Close()

	_, err := NewQuoteClient(WithBaseURL(srv.URL)).Random(context.Background())
	var he *HTTPError
	if !errors.As(err, &he) || he.Status != http.StatusBadGateway || he.Message != "down" {
		t.Fatalf("Random() err=%v want HTTPError 502", err)
	}
}

func TestWeatherCurrent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("appid") != "k" || q.Get("units") != "metric" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if q.Get("q") != "Nairobi" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"cod":"404","message":"city not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"cod":200,"name":"Nairobi","weather":[{"description":"light rain"}],"main":{"temp":18.5,"humidity":77}}`))
	}))
	defer srv.Close()

	wc := NewWeatherClient("k", WithBaseURL(srv.URL))
	got, err := wc.Current(context.Background(), " Nairobi ")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	want := Weather{City: "Nairobi", Description: "light rain", TempC: 18.5, Humidity: 77}
	if got != want {
		t.Fatalf("Current()=%+v want=%+v", got, want)
	}

	if _, err := wc.Current(context.Background(), "Atlantis"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Current(unknown) err=%v want=%v", err, ErrNotFound)
	}
	if _, err := NewWeatherClient("").Current(context.Background(), "Nairobi"); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("Current(no key) err=%v want=%v", err, ErrNoAPIKey)
	}
}

// Package content fetches third-party text for leaf chat commands.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20

	DefaultQuoteBaseURL   = "https://api.quotable.io"
	DefaultWeatherBaseURL = "https://api.openweathermap.org"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrNoAPIKey    = errors.New("api key not configured")
	ErrEmptyResult = errors.New("empty result")
)

// HTTPError is a non-2xx upstream response.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream status %d", e.Status)
}

// Quote is one quotation.
type Quote struct {
	Content string `json:"content"`
	Author  string `json:"author"`
}

// Weather is the current weather of one city.
type Weather struct {
	City        string
	Description string
	TempC       float64
	Humidity    int
}

// Option configures a client.
type Option func(*client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithBaseURL points the client at another host (tests, proxies).
func WithBaseURL(u string) Option {
	return func(cl *client) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			cl.base = u
		}
	}
}

type client struct {
	http *http.Client
	base string
}

func newClient(base string, opts []Option) client {
	c := client{http: &http.Client{Timeout: defaultTimeout}, base: base}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	return c
}

func (c client) getJSON(ctx context.Context, path string, q url.Values, dst any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(body).Decode(&e)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, e.Message)
		}
		return &HTTPError{Status: resp.StatusCode, Message: e.Message}
	}
	return json.NewDecoder(body).Decode(dst)
}

// QuoteClient talks to the quotable API.
type QuoteClient struct {
	c client
}

// NewQuoteClient constructs a QuoteClient.
func NewQuoteClient(opts ...Option) *QuoteClient {
	return &QuoteClient{c: newClient(DefaultQuoteBaseURL, opts)}
}

// Random returns one random quote.
func (q *QuoteClient) Random(ctx context.Context) (Quote, error) {
	var out Quote
	if err := q.c.getJSON(ctx, "/random", nil, &out); err != nil {
		return Quote{}, err
	}
	out.Content = strings.TrimSpace(out.Content)
	out.Author = strings.TrimSpace(out.Author)
	if out.Content == "" {
		return Quote{}, ErrEmptyResult
	}
	return out, nil
}

// WeatherClient talks to the OpenWeatherMap current-weather API.
type WeatherClient struct {
	c   client
	key string
}

// NewWeatherClient constructs a WeatherClient. An empty key makes every
// lookup fail with ErrNoAPIKey.
func NewWeatherClient(apiKey string, opts ...Option) *WeatherClient {
	return &WeatherClient{c: newClient(DefaultWeatherBaseURL, opts), key: strings.TrimSpace(apiKey)}
}

// Current returns the current weather for city in metric units.
func (w *WeatherClient) Current(ctx context.Context, city string) (Weather, error) {
	if w.key == "" {
		return Weather{}, ErrNoAPIKey
	}
	city = strings.TrimSpace(city)
	if city == "" {
		return Weather{}, ErrNotFound
	}

	var raw struct {
		Name    string `json:"name"`
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
		Main struct {
			Temp     float64 `json:"temp"`
			Humidity int     `json:"humidity"`
		} `json:"main"`
	}
	q := url.Values{"q": {city}, "appid": {w.key}, "units": {"metric"}}
	if err := w.c.getJSON(ctx, "/data/2.5/weather", q, &raw); err != nil {
		return Weather{}, err
	}

	out := Weather{City: raw.Name, TempC: raw.Main.Temp, Humidity: raw.Main.Humidity}
	if out.City == "" {
		out.City = city
	}
	if len(raw.Weather) > 0 {
		out.Description = raw.Weather[0].Description
	}
	return out, nil
}

// Package weather is a small QWeather API client.
package weather

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

	"go.uber.org/zap"
)

// ErrNotFound is returned when a city lookup yields no location.
var ErrNotFound = errors.New("city not found")

type Client struct {
	apiKey string
	geoURL string
	apiURL string
	http   *http.Client
	logger *zap.Logger
}

func NewClient(apiKey, geoURL, apiURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		apiKey: apiKey,
		geoURL: strings.TrimRight(geoURL, "/"),
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type Location struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Now is the current observation.
type Now struct {
	Temp      string `json:"temp"`
	FeelsLike string `json:"feelsLike"`
	Text      string `json:"text"`
	WindDir   string `json:"windDir"`
	WindScale string `json:"windScale"`
	Humidity  string `json:"humidity"`
}

// Day is one entry of the daily forecast.
type Day struct {
	Date         string `json:"fxDate"`
	TempMax      string `json:"tempMax"`
	TempMin      string `json:"tempMin"`
	TextDay      string `json:"textDay"`
	TextNight    string `json:"textNight"`
	UVIndex      string `json:"uvIndex"`
	WindDirDay   string `json:"windDirDay"`
	WindScaleDay string `json:"windScaleDay"`
	Humidity     string `json:"humidity"`
}

type Report struct {
	City  string
	Now   Now
	Daily []Day
}

// LookupCity resolves a city name to its best matching location.
func (c *Client) LookupCity(ctx context.Context, city string) (*Location, error) {
	var resp struct {
		Code     string     `json:"code"`
		Location []Location `json:"location"`
	}
	params := url.Values{"location": {city}, "number": {"1"}}
	if err := c.get(ctx, c.geoURL+"/city/lookup", params, &resp.Code, &resp); err != nil {
		return nil, err
	}
	if len(resp.Location) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, city)
	}
	return &resp.Location[0], nil
}

// Current returns the latest observation for a location id.
func (c *Client) Current(ctx context.Context, locationID string) (*Now, error) {
	var resp struct {
		Code string `json:"code"`
		Now  Now    `json:"now"`
	}
	if err := c.get(ctx, c.apiURL+"/weather/now", url.Values{"location": {locationID}}, &resp.Code, &resp); err != nil {
		return nil, err
	}
	return &resp.Now, nil
}

// Forecast returns the 7-day forecast for a location id, today first.
func (c *Client) Forecast(ctx context.Context, locationID string) ([]Day, error) {
	var resp struct {
		Code  string `json:"code"`
		Daily []Day  `json:"daily"`
	}
	if err := c.get(ctx, c.apiURL+"/weather/7d", url.Values{"location": {locationID}}, &resp.Code, &resp); err != nil {
		return nil, err
	}
	return resp.Daily, nil
}

// Report looks the city up and fetches both current conditions and forecast.
func (c *Client) Report(ctx context.Context, city string) (*Report, error) {
	loc, err := c.LookupCity(ctx, city)
	if err != nil {
		return nil, err
	}
	now, err := c.Current(ctx, loc.ID)
	if err != nil {
		return nil, err
	}
	daily, err := c.Forecast(ctx, loc.ID)
	if err != nil {
		return nil, err
	}
	return &Report{City: city, Now: *now, Daily: daily}, nil
}

// get performs the request and decodes into out. QWeather reports failures
// in the body's "code" field, so code must point into out.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, code *string, out any) error {
	params.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("qweather request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read qweather response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qweather: unexpected status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode qweather response: %w", err)
	}

	switch *code {
	case "200":
		return nil
	case "404", "204":
		return ErrNotFound
	default:
		c.logger.Debug("QWeather returned error code",
			zap.String("endpoint", endpoint),
			zap.String("code", *code))
		return fmt.Errorf("qweather: code %s", *code)
	}
}

// Format renders the report as one text block: current conditions, then
// the forecast from tomorrow on.
func (r *Report) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s now: %s, temperature %s°C, feels like %s°C, humidity %s%%, wind %s level %s",
		r.City, r.Now.Text, r.Now.Temp, r.Now.FeelsLike, r.Now.Humidity, r.Now.WindDir, r.Now.WindScale)

	if len(r.Daily) > 1 {
		b.WriteString("\nForecast:")
		for _, d := range r.Daily[1:] {
			uv := d.UVIndex
			if uv == "" {
				uv = "unknown"
			}
			fmt.Fprintf(&b, "\n%s: %s then %s, %s-%s°C, humidity %s%%, UV index %s, wind %s level %s",
				d.Date, d.TextDay, d.TextNight, d.TempMin, d.TempMax, d.Humidity, uv, d.WindDirDay, d.WindScaleDay)
		}
	}
	return b.String()
}

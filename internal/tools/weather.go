package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xaenox/onebot-agent/internal/weather"
)

// WeatherSource is the part of the weather client the tool needs.
type WeatherSource interface {
	LookupCity(ctx context.Context, city string) (*weather.Location, error)
	Report(ctx context.Context, city string) (*weather.Report, error)
}

// WeatherProvider offers get_weather when the configured API key works.
type WeatherProvider struct {
	source       WeatherSource
	apiKey       string
	sentinelCity string
}

func NewWeatherProvider(source WeatherSource, apiKey, sentinelCity string) *WeatherProvider {
	return &WeatherProvider{source: source, apiKey: apiKey, sentinelCity: sentinelCity}
}

func (p *WeatherProvider) Name() string { return "get_weather" }

// Available resolves the sentinel city to prove the key is usable.
func (p *WeatherProvider) Available(ctx context.Context) error {
	if p.apiKey == "" {
		return errors.New("weather api key not configured")
	}
	if _, err := p.source.LookupCity(ctx, p.sentinelCity); err != nil {
		return fmt.Errorf("lookup %s: %w", p.sentinelCity, err)
	}
	return nil
}

func (p *WeatherProvider) Tool() *Tool {
	return &Tool{
		Name:        "get_weather",
		Description: "Get current weather and the coming days' forecast for a city.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "City name, e.g. 北京, 上海, 成都",
				},
			},
			"required": []string{"location"},
		},
		Execute: p.execute,
	}
}

func (p *WeatherProvider) execute(ctx context.Context, inv Invocation, args json.RawMessage) (string, error) {
	var in struct {
		Location string `json:"location"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	city := strings.TrimSpace(in.Location)
	if city == "" {
		return "", errors.New("location is required")
	}

	report, err := p.source.Report(ctx, city)
	if errors.Is(err, weather.ErrNotFound) {
		return "", fmt.Errorf("city not found: %s", city)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get weather for %s: %w", city, err)
	}
	return report.Format(), nil
}

// Weather Tool.
//
// Information Hiding:
// - Open-Meteo endpoint and query format hidden
// - Forecast variable selection hidden

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultOpenMeteoURL is the public Open-Meteo API.
const DefaultOpenMeteoURL = "https://api.open-meteo.com"

// WeatherBlock is the display block weather payloads are rendered into.
const WeatherBlock = "weather"

// WeatherTool looks up current conditions and a short forecast.
type WeatherTool struct {
	client  *http.Client
	baseURL string
}

// NewWeatherTool creates a weather tool against baseURL (empty for the public API).
func NewWeatherTool(client *http.Client, baseURL string) *WeatherTool {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultOpenMeteoURL
	}
	return &WeatherTool{client: client, baseURL: baseURL}
}

// Metadata returns the tool metadata.
func (t *WeatherTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        "get_weather",
		Description: "Get the current weather and a short daily forecast for a location given by latitude and longitude",
		Parameters: []ToolParameter{
			{Name: "latitude", ParamType: "number", Description: "Latitude in decimal degrees", Required: true},
			{Name: "longitude", ParamType: "number", Description: "Longitude in decimal degrees", Required: true},
		},
	}
}

type weatherArgs struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (a weatherArgs) check() error {
	if a.Latitude == nil || a.Longitude == nil {
		return fmt.Errorf("latitude and longitude are required")
	}
	if *a.Latitude < -90 || *a.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", *a.Latitude)
	}
	if *a.Longitude < -180 || *a.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", *a.Longitude)
	}
	return nil
}

// Validate validates the arguments.
func (t *WeatherTool) Validate(args json.RawMessage) error {
	var a weatherArgs
	if err := decodeArgs(args, &a); err != nil {
		return err
	}
	return a.check()
}

// Execute fetches the forecast.
func (t *WeatherTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	var a weatherArgs
	if err := decodeArgs(args, &a); err != nil {
		return Failure{Err: err}, nil
	}
	if err := a.check(); err != nil {
		return Failure{Err: err}, nil
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(*a.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(*a.Longitude, 'f', -1, 64))
	q.Set("current", "temperature_2m,apparent_temperature,relative_humidity_2m,weather_code,wind_speed_10m,is_day")
	q.Set("daily", "weather_code,temperature_2m_max,temperature_2m_min,precipitation_probability_max,sunrise,sunset")
	q.Set("timezone", "auto")
	q.Set("forecast_days", "5")

	body, err := getJSON(ctx, t.client, t.baseURL+"/v1/forecast?"+q.Encode(), nil, DefaultMaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("weather lookup failed: %w", err)
	}
	return Generic{Data: body, Block: WeatherBlock}, nil
}

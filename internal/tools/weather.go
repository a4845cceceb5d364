package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/reeveworks/reeve-agent/internal/httpkit"
)

const openMeteoBaseURL = "https://api.open-meteo.com"

// WeatherClient fetches current conditions from the Open-Meteo
// forecast API, which requires no key.
type WeatherClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewWeatherClient creates a weather client. baseURL overrides the
// public endpoint, mainly for tests.
func NewWeatherClient(baseURL string) *WeatherClient {
	if baseURL == "" {
		baseURL = openMeteoBaseURL
	}
	return &WeatherClient{
		baseURL:    baseURL,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

type weatherReport struct {
	Current struct {
		Temperature   float64 `json:"temperature_2m"`
		Apparent      float64 `json:"apparent_temperature"`
		Precipitation float64 `json:"precipitation"`
		WeatherCode   int     `json:"weather_code"`
		WindSpeed     float64 `json:"wind_speed_10m"`
	} `json:"current"`
	CurrentUnits struct {
		Temperature string `json:"temperature_2m"`
		WindSpeed   string `json:"wind_speed_10m"`
	} `json:"current_units"`
}

// Current returns a one-line textual report for the coordinates.
func (c *WeatherClient) Current(ctx context.Context, lat, lon float64) (string, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", fmt.Errorf("coordinates out of range: lat=%v lon=%v", lat, lon)
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("current", "temperature_2m,apparent_temperature,precipitation,weather_code,wind_speed_10m")

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/forecast?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var report weatherReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	cur := report.Current
	units := report.CurrentUnits
	text := fmt.Sprintf("%s, %.1f%s (feels like %.1f%s), wind %.0f %s",
		describeWeatherCode(cur.WeatherCode),
		cur.Temperature, units.Temperature,
		cur.Apparent, units.Temperature,
		cur.WindSpeed, units.WindSpeed,
	)
	if cur.Precipitation > 0 {
		text += fmt.Sprintf(", precipitation %.1f mm", cur.Precipitation)
	}
	return text, nil
}

// describeWeatherCode maps WMO weather interpretation codes to words.
func describeWeatherCode(code int) string {
	switch code {
	case 0:
		return "clear sky"
	case 1:
		return "mainly clear"
	case 2:
		return "partly cloudy"
	case 3:
		return "overcast"
	case 45, 48:
		return "fog"
	case 51, 53, 55:
		return "drizzle"
	case 56, 57:
		return "freezing drizzle"
	case 61, 63, 65:
		return "rain"
	case 66, 67:
		return "freezing rain"
	case 71, 73, 75:
		return "snow"
	case 77:
		return "snow grains"
	case 80, 81, 82:
		return "rain showers"
	case 85, 86:
		return "snow showers"
	case 95:
		return "thunderstorm"
	case 96, 99:
		return "thunderstorm with hail"
	default:
		return fmt.Sprintf("weather code %d", code)
	}
}

// RegisterWeather adds the weather_now tool backed by client.
func RegisterWeather(r *Registry, client *WeatherClient) error {
	return r.Register(&Tool{
		Name:        "weather_now",
		Description: "Get current weather conditions for a place given as decimal coordinates.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"lat": map[string]any{
					"type":        "number",
					"description": "Latitude in decimal degrees, -90 to 90",
				},
				"lon": map[string]any{
					"type":        "number",
					"description": "Longitude in decimal degrees, -180 to 180",
				},
			},
			"required": []string{"lat", "lon"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			lat, ok := args["lat"].(float64)
			if !ok {
				return "", fmt.Errorf("lat is required")
			}
			lon, ok := args["lon"].(float64)
			if !ok {
				return "", fmt.Errorf("lon is required")
			}
			return client.Current(ctx, lat, lon)
		},
	})
}

package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	catalogBaseURL = "https://catalog.api.2gis.com"
	routingBaseURL = "https://routing.api.2gis.com"
)

// ErrRateLimited marks a 429 from the routing provider so callers can apply
// a longer cooldown than for generic failures.
var ErrRateLimited = errors.New("routing provider rate limited")

// RouteResult is what the routing provider computed for a (from, to) pair.
type RouteResult struct {
	DistanceMeters int        `json:"distance_m"`
	EtaSeconds     int        `json:"eta_s"`
	Polyline       []GeoPoint `json:"polyline,omitempty"`
}

// DGISClient provides access to 2GIS routing and catalog APIs.
type DGISClient struct {
	httpClient *http.Client
	apiKey     string
	regionID   string
}

// NewDGISClient constructs a new 2GIS client.
func NewDGISClient(httpClient *http.Client, apiKey, regionID string) *DGISClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &DGISClient{httpClient: httpClient, apiKey: apiKey, regionID: regionID}
}

// Route queries the car-routing API and returns distance, duration and the
// route geometry.
func (c *DGISClient) Route(ctx context.Context, from, to GeoPoint) (RouteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	payload := struct {
		Points []struct {
			Lon  float64 `json:"lon"`
			Lat  float64 `json:"lat"`
			Type string  `json:"type"`
		} `json:"points"`
		Transport string `json:"transport"`
		RouteMode string `json:"route_mode"`
		Output    string `json:"output"`
	}{
		Points: []struct {
			Lon  float64 `json:"lon"`
			Lat  float64 `json:"lat"`
			Type string  `json:"type"`
		}{
			{Lon: from.Lon, Lat: from.Lat, Type: "stop"},
			{Lon: to.Lon, Lat: to.Lat, Type: "stop"},
		},
		Transport: "driving",
		RouteMode: "fastest",
		Output:    "detailed",
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	endpoint := fmt.Sprintf("%s/routing/7.0.0/global?%s", routingBaseURL, q.Encode())

	body, err := json.Marshal(&payload)
	if err != nil {
		return RouteResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return RouteResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RouteResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return RouteResult{}, ErrRateLimited
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return RouteResult{}, fmt.Errorf("2gis: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var out struct {
		Result []struct {
			TotalDistance int `json:"total_distance"`
			TotalDuration int `json:"total_duration"`
			Maneuvers     []struct {
				OutcomingPath struct {
					Geometry []struct {
						Selection string `json:"selection"`
					} `json:"geometry"`
				} `json:"outcoming_path"`
			} `json:"maneuvers"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RouteResult{}, err
	}
	if len(out.Result) == 0 {
		return RouteResult{}, errors.New("2gis: empty routes")
	}

	route := out.Result[0]
	result := RouteResult{
		DistanceMeters: route.TotalDistance,
		EtaSeconds:     route.TotalDuration,
	}
	for _, m := range route.Maneuvers {
		for _, g := range m.OutcomingPath.Geometry {
			result.Polyline = append(result.Polyline, parseLinestring(g.Selection)...)
		}
	}
	return result, nil
}

// parseLinestring decodes a WKT "LINESTRING(lon lat, lon lat, ...)" value.
func parseLinestring(sel string) []GeoPoint {
	sel = strings.TrimSpace(sel)
	open := strings.Index(sel, "(")
	end := strings.LastIndex(sel, ")")
	if open < 0 || end <= open {
		return nil
	}
	pairs := strings.Split(sel[open+1:end], ",")
	points := make([]GeoPoint, 0, len(pairs))
	for _, pair := range pairs {
		fields := strings.Fields(strings.TrimSpace(pair))
		if len(fields) != 2 {
			continue
		}
		lon, err1 := strconv.ParseFloat(fields[0], 64)
		lat, err2 := strconv.ParseFloat(fields[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		points = append(points, GeoPoint{Lon: lon, Lat: lat})
	}
	return points
}

// ReverseGeocode returns a human-readable area label for coordinates. It is
// display-only; callers are expected to swallow failures.
func (c *DGISClient) ReverseGeocode(ctx context.Context, point GeoPoint) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 7*time.Second)
	defer cancel()

	params := url.Values{}
	params.Set("lon", strconv.FormatFloat(point.Lon, 'f', 6, 64))
	params.Set("lat", strconv.FormatFloat(point.Lat, 'f', 6, 64))
	params.Set("key", c.apiKey)
	params.Set("fields", "items.full_name")
	if c.regionID != "" {
		params.Set("region_id", c.regionID)
	}

	endpoint := fmt.Sprintf("%s/3.0/items/geocode?%s", catalogBaseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("geocode: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var payload struct {
		Result struct {
			Items []struct {
				FullName string `json:"full_name"`
			} `json:"items"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if len(payload.Result.Items) == 0 {
		return "", errors.New("geocode: no results")
	}
	return payload.Result.Items[0].FullName, nil
}

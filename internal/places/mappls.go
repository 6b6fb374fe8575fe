// Package places is a client for the Mappls (MapmyIndia) places API.
package places

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultTokenURL  = "https://outpost.mappls.com/api/security/oauth/token"
	defaultSearchURL = "https://atlas.mappls.com/api/places/nearby/json"

	// tokenSkew refreshes a token slightly before the server expires it.
	tokenSkew = 30 * time.Second
)

// ErrMissingCredentials is returned when no client ID or secret is configured.
var ErrMissingCredentials = errors.New("mappls client credentials are not configured")

// StatusError is a non-2xx response from the token or search endpoint.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		cut := 200
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "..."
	}
	return fmt.Sprintf("mappls %s: %d %s: %s", e.Endpoint, e.Code, http.StatusText(e.Code), body)
}

// StatusCode reports the HTTP status for retry classification.
func (e *StatusError) StatusCode() int { return e.Code }

// Location is one entry of a nearby search's suggestedLocations. Coordinates
// appear as lat/lng or latitude/longitude depending on the API revision.
type Location struct {
	ELoc         string   `json:"eLoc"`
	PlaceName    string   `json:"placeName"`
	PlaceAddress string   `json:"placeAddress"`
	Distance     *float64 `json:"distance,omitempty"`
	Lat          *float64 `json:"lat,omitempty"`
	Lng          *float64 `json:"lng,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
}

// Coords returns the location's coordinates, preferring lat/lng.
func (l Location) Coords() (lat, lng float64) {
	switch {
	case l.Lat != nil && l.Lng != nil:
		return *l.Lat, *l.Lng
	case l.Latitude != nil && l.Longitude != nil:
		return *l.Latitude, *l.Longitude
	}
	return 0, 0
}

// NearbyResponse is the body of a nearby search.
type NearbyResponse struct {
	SuggestedLocations []Location `json:"suggestedLocations"`
}

// Client runs nearby searches with a bearer token obtained through the
// OAuth2 client-credentials grant. Tokens are reused until tokenSkew before
// they expire.
type Client struct {
	creds      clientcredentials.Config
	searchURL  string
	httpClient *http.Client

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

// New creates a client with the production endpoints.
func New(clientID, clientSecret string) *Client {
	return NewWithURLs(clientID, clientSecret, defaultTokenURL, defaultSearchURL)
}

// NewWithURLs creates a client against custom endpoints (for testing).
func NewWithURLs(clientID, clientSecret, tokenURL, searchURL string) *Client {
	return &Client{
		creds: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		searchURL:  searchURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool {
	return c.creds.ClientID != "" && c.creds.ClientSecret != ""
}

func (c *Client) tokenSource() oauth2.TokenSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens == nil {
		// The source outlives any one request, so it gets its own context.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
		c.tokens = oauth2.ReuseTokenSourceWithExpiry(nil, c.creds.TokenSource(ctx), tokenSkew)
	}
	return c.tokens
}

func (c *Client) accessToken() (string, error) {
	if !c.Configured() {
		return "", ErrMissingCredentials
	}
	tok, err := c.tokenSource().Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return "", &StatusError{Endpoint: "token", Code: re.Response.StatusCode, Body: string(re.Body)}
		}
		return "", fmt.Errorf("requesting token: %w", err)
	}
	return tok.AccessToken, nil
}

// invalidate drops the cached token; the next search fetches a new one.
func (c *Client) invalidate() {
	c.mu.Lock()
	c.tokens = nil
	c.mu.Unlock()
}

// Nearby searches for keyword around (lat, lng) and returns the raw JSON body
// so the caller can validate it before use. A 401 drops the cached token.
func (c *Client) Nearby(ctx context.Context, keyword string, lat, lng float64) ([]byte, error) {
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("keywords", keyword)
	q.Set("refLocation", strconv.FormatFloat(lat, 'f', -1, 64)+","+strconv.FormatFloat(lng, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching nearby: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading search response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusNoContent:
		// Mappls answers 204 when nothing matches.
		return []byte(`{"suggestedLocations":[]}`), nil
	case http.StatusUnauthorized:
		c.invalidate()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Endpoint: "nearby", Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

package auth0

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentialsFetcher obtains Management API tokens with the client
// credentials grant. It implements scribegate.TokenFetcher; caching is left to
// scribegate.TokenCache.
type ClientCredentialsFetcher struct {
	config     clientcredentials.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewClientCredentialsFetcher creates a fetcher for the tenant at baseURL
// (e.g. https://example.eu.auth0.com). The requested audience is the tenant's
// Management API.
func NewClientCredentialsFetcher(baseURL, clientID, clientSecret string, httpClient *http.Client) *ClientCredentialsFetcher {
	base := strings.TrimRight(baseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &ClientCredentialsFetcher{
		config: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     base + "/oauth/token",
			EndpointParams: url.Values{
				"audience": {base + "/api/v2/"},
			},
			AuthStyle: oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
		now:        time.Now,
	}
}

// FetchToken performs one client credentials exchange. A zero lifetime is
// returned when the response carried no expires_in.
func (f *ClientCredentialsFetcher) FetchToken(ctx context.Context) (string, time.Duration, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	tok, err := f.config.Token(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("client credentials exchange: %w", err)
	}

	var expiresIn time.Duration
	if !tok.Expiry.IsZero() {
		expiresIn = tok.Expiry.Sub(f.now())
		if expiresIn <= 0 {
			return "", 0, fmt.Errorf("client credentials exchange: token already expired")
		}
	}
	return tok.AccessToken, expiresIn, nil
}

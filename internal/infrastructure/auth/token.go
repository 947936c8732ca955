package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/huavcjj/mailnote/internal/apperror"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"
)

// DefaultScope asks for every application permission granted to the app.
const DefaultScope = "https://graph.microsoft.com/.default"

const defaultAuthority = "https://login.microsoftonline.com"

// TokenProvider hands out bearer tokens for outbound API calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// AuthorityURL overrides the identity provider host, mainly for tests.
	AuthorityURL string
	Scopes       []string
	HTTPClient   *http.Client
}

type clientCredentialsProvider struct {
	source oauth2.TokenSource
}

var _ TokenProvider = (*clientCredentialsProvider)(nil)

// NewClientCredentialsProvider builds a provider that exchanges the app id and
// secret for tokens. Tokens are cached until shortly before they expire.
func NewClientCredentialsProvider(cfg Config) (TokenProvider, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("tenant id, client id and client secret are required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}

	tokenURL := microsoft.AzureADEndpoint(cfg.TenantID).TokenURL
	if cfg.AuthorityURL != "" && strings.TrimRight(cfg.AuthorityURL, "/") != defaultAuthority {
		tokenURL = fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(cfg.AuthorityURL, "/"), cfg.TenantID)
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	// The token source keeps this context for every refresh, so it must
	// outlive any single request.
	ctx := context.Background()
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}

	return &clientCredentialsProvider{
		source: cc.TokenSource(ctx),
	}, nil
}

func (p *clientCredentialsProvider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// oauth2.TokenSource takes no context, so a refresh ignores ctx's
	// deadline and is bounded only by the HTTP client timeout.
	token, err := p.source.Token()
	if err != nil {
		return "", &apperror.AuthError{Op: "acquire token", Err: err}
	}
	if token.AccessToken == "" {
		return "", &apperror.AuthError{Op: "acquire token", Err: fmt.Errorf("empty access token")}
	}

	return token.AccessToken, nil
}

// StaticTokenProvider always returns the same token. Useful for local runs
// against a proxy and in tests.
type StaticTokenProvider string

func (s StaticTokenProvider) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", &apperror.AuthError{Op: "static token", Err: fmt.Errorf("no token configured")}
	}
	return string(s), nil
}

package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

var (
	ErrStateMismatch = errors.New("state mismatch")
	ErrNonceMismatch = errors.New("nonce mismatch")
)

type ClientInfo struct {
	ID     string
	Secret string
}

// Provider wraps a discovered OIDC provider together with the relying
// party's client credentials.
type Provider struct {
	*oidc.Provider

	clientInfo ClientInfo
}

func NewProvider(issuerURL, clientID, clientSecret string) (*Provider, error) {
	const op = "NewProvider"
	discovered, err := oidc.NewProvider(context.Background(), issuerURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create provider, err=%w", op, err)
	}
	return &Provider{
		Provider:   discovered,
		clientInfo: ClientInfo{ID: clientID, Secret: clientSecret},
	}, nil
}

func (p *Provider) oauth2Config(redirectURL string, scopes []string) oauth2.Config {
	return oauth2.Config{
		ClientID:     p.clientInfo.ID,
		ClientSecret: p.clientInfo.Secret,
		Endpoint:     p.Endpoint(),
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

// AuthURL builds the provider's login URL with the given state and nonce.
func (p *Provider) AuthURL(state, nonce, redirectURL string, scopes []string, opts ...oauth2.AuthCodeOption) string {
	config := p.oauth2Config(redirectURL, scopes)
	return config.AuthCodeURL(state, append(opts, oidc.Nonce(nonce))...)
}

// Exchange trades an authorization code for tokens, verifying state, ID
// token signature and nonce along the way.
func (p *Provider) Exchange(ctx context.Context, verifier *ExchangeVerifier, code, state, redirectURL string) (*ExchangeToken, error) {
	const op = "Exchange"
	if !verifier.VerifyState(state) {
		return nil, ErrStateMismatch
	}

	config := p.oauth2Config(redirectURL, nil)
	oauth2Token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to exchange code for token, err=%w", op, err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("[%s] No id_token field in oauth2 token", op)
	}
	idToken, err := verifier.VerifyIDToken(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to verify ID token, err=%w", op, err)
	}
	if !verifier.VerifyNonce(idToken.Nonce) {
		return nil, ErrNonceMismatch
	}

	token := &ExchangeToken{
		OAuth2Token: oauth2Token,
		IDToken:     IDToken{internal: idToken},
	}
	if err := idToken.Claims(&token.IDToken); err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse ID token claims, err=%w", op, err)
	}
	return token, nil
}

func (p *Provider) NewExchangeVerifier(reqState, reqNonce string) *ExchangeVerifier {
	return &ExchangeVerifier{
		idTokenVerifier: p.Verifier(&oidc.Config{ClientID: p.clientInfo.ID}),
		reqState:        reqState,
		reqNonce:        reqNonce,
	}
}

// SendClientAuthRequest performs a request authenticated with the client
// credentials (used for revocation and introspection endpoints).
func (p *Provider) SendClientAuthRequest(req *http.Request) (*json.RawMessage, error) {
	const op = "SendClientAuthRequest"
	req.SetBasicAuth(p.clientInfo.ID, p.clientInfo.Secret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to send request, err=%w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("[%s] Request failed with status code=%d", op, resp.StatusCode)
	}

	body := new(json.RawMessage)
	if err := json.NewDecoder(resp.Body).Decode(body); err != nil {
		return nil, fmt.Errorf("[%s] Fail to decode response body, err=%w", op, err)
	}
	return body, nil
}

type ExchangeToken struct {
	OAuth2Token *oauth2.Token
	IDToken     IDToken
}

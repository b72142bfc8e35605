package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/gatewayerr"
	"github.com/r3e-network/integration-gateway/internal/app/secrets"
)

// AuthApplier attaches outbound authentication to a delivery request per
// rule.AuthSpec.Type (spec §4.5), resolving any secret-bearing field through
// secrets.Provider before use so rule config may carry inline values,
// "env://" references, or "vault://" references interchangeably.
type AuthApplier struct {
	secrets secrets.Provider
}

// NewAuthApplier builds an applier that resolves secret references via
// provider.
func NewAuthApplier(provider secrets.Provider) *AuthApplier {
	return &AuthApplier{secrets: provider}
}

// Apply sets the headers that carry the authentication described by auth
// onto the given header map, which the caller then passes to Sender.Send.
// auth is a pointer so an OAUTH2 token fetched during this call can be
// cached back onto the owning rule/sub-action for reuse by later deliveries.
func (a *AuthApplier) Apply(ctx context.Context, headers map[string]string, method, targetURL string, auth *rule.AuthSpec) error {
	if auth == nil {
		return nil
	}
	switch auth.Type {
	case "", rule.AuthNone:
		return nil
	case rule.AuthAPIKey:
		value, err := a.resolve(ctx, auth.HeaderValue)
		if err != nil {
			return err
		}
		name := auth.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		headers[name] = value
		return nil
	case rule.AuthBasic:
		user, err := a.resolve(ctx, auth.Username)
		if err != nil {
			return err
		}
		pass, err := a.resolve(ctx, auth.Password)
		if err != nil {
			return err
		}
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
		return nil
	case rule.AuthBearer:
		token, err := a.resolve(ctx, auth.HeaderValue)
		if err != nil {
			return err
		}
		headers["Authorization"] = "Bearer " + token
		return nil
	case rule.AuthOAuth1:
		return a.applyOAuth1(ctx, headers, method, targetURL, auth)
	case rule.AuthOAuth2:
		return a.applyOAuth2(ctx, headers, auth)
	case rule.AuthCustom:
		for name, value := range auth.CustomHeaders {
			resolved, err := a.resolve(ctx, value)
			if err != nil {
				return err
			}
			headers[name] = resolved
		}
		return nil
	default:
		return gatewayerr.New(gatewayerr.Config, "unknown_auth_type", fmt.Sprintf("unrecognised auth type %q", auth.Type))
	}
}

func (a *AuthApplier) resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	if a.secrets == nil {
		return ref, nil
	}
	v, err := a.secrets.Resolve(ctx, ref)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Config, "secret_resolution_failed", "failed to resolve auth secret", err)
	}
	return v, nil
}

// applyOAuth2 implements the client-credentials flow, reusing auth's cached
// token when AuthSpec.NeedsRefresh reports false (spec §4.5: "caches the
// token until near expiry").
func (a *AuthApplier) applyOAuth2(ctx context.Context, headers map[string]string, auth *rule.AuthSpec) error {
	now := time.Now().UTC()
	if auth.NeedsRefresh(now) {
		clientID, err := a.resolve(ctx, auth.ClientID)
		if err != nil {
			return err
		}
		clientSecret, err := a.resolve(ctx, auth.ClientSecret)
		if err != nil {
			return err
		}
		tokenURL, err := a.resolve(ctx, auth.TokenURL)
		if err != nil {
			return err
		}
		cfg := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       auth.Scopes,
		}
		token, err := cfg.Token(ctx)
		if err != nil {
			return gatewayerr.Wrap(gatewayerr.Transient, "oauth2_token_fetch_failed", "failed to obtain oauth2 token", err)
		}
		auth.CachedToken = token.AccessToken
		if token.Expiry.IsZero() {
			auth.CachedTokenExpiresAt = now.Add(time.Hour)
		} else {
			auth.CachedTokenExpiresAt = token.Expiry
		}
	}
	headers["Authorization"] = "Bearer " + auth.CachedToken
	return nil
}

// defaultHMACHeader is used when a rule enables body signing but leaves
// HMACSecret.HeaderName blank.
const defaultHMACHeader = "X-Gateway-Signature"

// SignBody computes the body-signing header mandated by spec §6 ("Outbound
// HTTP"): an HMAC-SHA256 signature over the exact bytes about to be sent,
// keyed by hmacSpec.CurrentKey. While a rotation is in flight (PreviousKey
// set and, if PhaseOutAt is non-zero, still before that date) a second
// signature keyed by PreviousKey is appended to the same header so a
// receiver validating against either key accepts the request, the same
// multi-signature scheme used by mainstream webhook providers.
func (a *AuthApplier) SignBody(ctx context.Context, headers map[string]string, body []byte, hmacSpec rule.HMACSecret) error {
	if !hmacSpec.Enabled {
		return nil
	}
	currentKey, err := a.resolve(ctx, hmacSpec.CurrentKey)
	if err != nil {
		return err
	}
	if currentKey == "" {
		return gatewayerr.New(gatewayerr.Config, "hmac_missing_key", "HMAC signing is enabled but no current key is configured")
	}

	name := hmacSpec.HeaderName
	if name == "" {
		name = defaultHMACHeader
	}

	sigs := []string{"v1=" + hmacSHA256Hex(currentKey, body)}

	if hmacSpec.PreviousKey != "" && (hmacSpec.PhaseOutAt.IsZero() || time.Now().UTC().Before(hmacSpec.PhaseOutAt)) {
		previousKey, err := a.resolve(ctx, hmacSpec.PreviousKey)
		if err != nil {
			return err
		}
		if previousKey != "" {
			sigs = append(sigs, "v0="+hmacSHA256Hex(previousKey, body))
		}
	}

	headers[name] = strings.Join(sigs, ",")
	return nil
}

func hmacSHA256Hex(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// applyOAuth1 signs the request per RFC 5849 HMAC-SHA1, added from scratch
// since no maintained OAuth1 client library is present in the dependency
// set this module draws from.
func (a *AuthApplier) applyOAuth1(ctx context.Context, headers map[string]string, method, targetURL string, auth *rule.AuthSpec) error {
	consumerKey, err := a.resolve(ctx, auth.ConsumerKey)
	if err != nil {
		return err
	}
	consumerSecret, err := a.resolve(ctx, auth.ConsumerSecret)
	if err != nil {
		return err
	}
	token, err := a.resolve(ctx, auth.Token)
	if err != nil {
		return err
	}
	tokenSecret, err := a.resolve(ctx, auth.TokenSecret)
	if err != nil {
		return err
	}

	nonce, err := oauth1Nonce()
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.Transient, "oauth1_nonce_failed", "failed to generate oauth1 nonce", err)
	}

	params := map[string]string{
		"oauth_consumer_key":     consumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(time.Now().Unix(), 10),
		"oauth_version":          "1.0",
	}
	if token != "" {
		params["oauth_token"] = token
	}

	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.Config, "invalid_target_url", "oauth1 signing requires a parseable target URL", err)
	}
	signature := oauth1Signature(method, parsedURL, params, consumerSecret, tokenSecret)
	params["oauth_signature"] = signature

	var parts []string
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, url.QueryEscape(k), url.QueryEscape(params[k])))
	}
	headers["Authorization"] = "OAuth " + strings.Join(parts, ", ")
	return nil
}

func oauth1Nonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// oauth1Signature builds the HMAC-SHA1 signature base string (method,
// base URL, and sorted percent-encoded parameters) per RFC 5849 §3.4.
func oauth1Signature(method string, target *url.URL, params map[string]string, consumerSecret, tokenSecret string) string {
	baseURL := (&url.URL{Scheme: target.Scheme, Host: target.Host, Path: target.Path}).String()

	allParams := make(map[string]string, len(params)+len(target.Query()))
	for k, v := range params {
		allParams[k] = v
	}
	for k, values := range target.Query() {
		if len(values) > 0 {
			allParams[k] = values[0]
		}
	}

	keys := make([]string, 0, len(allParams))
	for k := range allParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(allParams[k]))
	}
	paramString := strings.Join(pairs, "&")

	baseString := strings.ToUpper(method) + "&" + url.QueryEscape(baseURL) + "&" + url.QueryEscape(paramString)
	signingKey := url.QueryEscape(consumerSecret) + "&" + url.QueryEscape(tokenSecret)

	mac := hmac.New(sha1.New, []byte(signingKey))
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

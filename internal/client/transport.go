// Package client is the consumer side of the call boundary: an HTTP transport for procedures
// and a session that owns one query cache.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/chirp/internal/rpc"
)

const maxResponseBytes = 8 << 20

var errMissingBaseURL = errors.New("client: base url required")

type TransportConfig struct {
	BaseURL      string
	HTTPClient   *http.Client
	CookieName   string
	SessionToken string
}

// HTTPTransport invokes procedures over POST /rpc/:procedure.
type HTTPTransport struct {
	baseURL      *url.URL
	httpClient   *http.Client
	cookieName   string
	sessionToken string
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpc.WireError  `json:"error"`
}

func NewHTTPTransport(cfg TransportConfig) (*HTTPTransport, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPTransport{
		baseURL:      parsed,
		httpClient:   httpClient,
		cookieName:   strings.TrimSpace(cfg.CookieName),
		sessionToken: strings.TrimSpace(cfg.SessionToken),
	}, nil
}

// Invoke satisfies rpc.Invoker. Error bodies are mapped back to *rpc.Error; transport
// failures become upstream_unavailable.
func (t *HTTPTransport) Invoke(ctx context.Context, call rpc.Call) (json.RawMessage, error) {
	body := call.Input
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	request, err := t.newRequest(ctx, http.MethodPost, "/rpc/"+url.PathEscape(string(call.Procedure)), bytes.NewReader(body))
	if err != nil {
		return nil, rpc.Internal("build request", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := t.httpClient.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, rpc.UpstreamUnavailable("transport failure", err)
	}
	defer response.Body.Close()

	var envelope rpcEnvelope
	if err := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes)).Decode(&envelope); err != nil {
		return nil, rpc.UpstreamUnavailable(fmt.Sprintf("malformed response (status %d)", response.StatusCode), err)
	}
	if envelope.Error != nil {
		return nil, rpc.FromWire(*envelope.Error)
	}
	if response.StatusCode != http.StatusOK {
		return nil, rpc.UpstreamUnavailable(fmt.Sprintf("unexpected status %d", response.StatusCode), nil)
	}
	return envelope.Result, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target := t.baseURL.JoinPath(path)
	request, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	t.authorize(request.Header)
	return request, nil
}

func (t *HTTPTransport) authorize(header http.Header) {
	if t.sessionToken == "" || t.cookieName == "" {
		return
	}
	cookie := &http.Cookie{Name: t.cookieName, Value: t.sessionToken}
	header.Add("Cookie", cookie.String())
}

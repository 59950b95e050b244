package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBodyBytes limits the size of HTTP response bodies read from
// reputation providers to prevent unbounded memory consumption.
const maxResponseBodyBytes = 64 * 1024 // 64 KiB

// scoreUnknown marks a report whose provider does not supply a risk score.
const scoreUnknown = -1

// Report is the normalized reputation data for one address. Providers map
// their wire formats onto this; the rule table only ever sees a Report.
type Report struct {
	Address string
	Proxy   bool
	VPN     bool
	Hosting bool
	// Score is the provider risk score in 0-100, or scoreUnknown when the
	// provider has none.
	Score   int
	Country string
	City    string
	ISP     string
	Org     string
}

// ErrNoData is returned by a Provider when the lookup succeeded but the
// service had no information for the address.
var ErrNoData = fmt.Errorf("provider has no data for address")

// Provider looks up reputation data for a single IP address.
type Provider interface {
	// Lookup fetches the report for ip. Returns ErrNoData when the service
	// answered but knows nothing about the address; any other error is a
	// lookup failure subject to the failure policy.
	Lookup(ctx context.Context, ip string) (*Report, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}

// ---------------------------------------------------------------------------
// proxycheck.io
// ---------------------------------------------------------------------------

const proxycheckBaseURL = "https://proxycheck.io/v2/"

// ProxycheckProvider queries proxycheck.io, which reports proxy/VPN flags,
// a 0-100 risk score, and ASN operator details.
type ProxycheckProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewProxycheckProvider creates a proxycheck.io provider. An empty apiKey is
// accepted by the service with heavily reduced quota; the caller decides
// whether to run without one.
func NewProxycheckProvider(apiKey string, timeout time.Duration) *ProxycheckProvider {
	return &ProxycheckProvider{
		baseURL:    proxycheckBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// proxycheckEntry is the per-address object in a proxycheck.io response.
type proxycheckEntry struct {
	Proxy        string          `json:"proxy"`
	Type         string          `json:"type"`
	VPN          string          `json:"vpn"`
	Risk         json.RawMessage `json:"risk"` // number, or string on some plans
	ISP          string          `json:"isp"`
	Organisation string          `json:"organisation"`
	Country      string          `json:"country"`
	City         string          `json:"city"`
}

// Name implements Provider.
func (p *ProxycheckProvider) Name() string { return "proxycheck" }

// Lookup implements Provider. The response body keys entries by the queried
// address, alongside top-level "status" and "message" fields:
//
//	{"status":"ok","1.2.3.4":{"proxy":"yes","type":"VPN","risk":72,...}}
func (p *ProxycheckProvider) Lookup(ctx context.Context, ip string) (*Report, error) {
	q := url.Values{}
	if p.apiKey != "" {
		q.Set("key", p.apiKey)
	}
	q.Set("vpn", "1")
	q.Set("asn", "1")
	q.Set("risk", "1")

	reqURL := p.baseURL + url.PathEscape(ip) + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("proxycheck: create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxycheck: http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxycheck: returned status %d", resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyBytes)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("proxycheck: decode response: %w", err)
	}

	var status string
	if s, ok := raw["status"]; ok {
		_ = json.Unmarshal(s, &status)
	}
	// "warning" still carries usable data (e.g. approaching quota).
	if status != "ok" && status != "warning" {
		var message string
		if m, ok := raw["message"]; ok {
			_ = json.Unmarshal(m, &message)
		}
		return nil, fmt.Errorf("proxycheck: status %q: %s", status, message)
	}

	entryRaw, ok := raw[ip]
	if !ok {
		return nil, ErrNoData
	}
	var entry proxycheckEntry
	if err := json.Unmarshal(entryRaw, &entry); err != nil {
		return nil, fmt.Errorf("proxycheck: decode entry: %w", err)
	}

	return &Report{
		Address: ip,
		Proxy:   strings.EqualFold(entry.Proxy, "yes"),
		VPN:     strings.EqualFold(entry.VPN, "yes") || strings.EqualFold(entry.Type, "vpn"),
		Hosting: strings.EqualFold(entry.Type, "hosting"),
		Score:   parseProxycheckRisk(entry.Risk),
		Country: entry.Country,
		City:    entry.City,
		ISP:     entry.ISP,
		Org:     entry.Organisation,
	}, nil
}

// parseProxycheckRisk handles the risk field arriving as either a JSON
// number or a quoted string depending on the account plan.
func parseProxycheckRisk(raw json.RawMessage) int {
	if len(raw) == 0 {
		return scoreUnknown
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if _, convErr := fmt.Sscanf(s, "%d", &n); convErr == nil {
			return n
		}
	}
	return scoreUnknown
}

// ---------------------------------------------------------------------------
// ip-api.com
// ---------------------------------------------------------------------------

const ipapiBaseURL = "http://ip-api.com/json/"

// IPAPIProvider queries ip-api.com. The free tier reports proxy/hosting
// flags and ISP/organization text but no numeric risk score, so score-based
// rules never fire with this provider.
type IPAPIProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewIPAPIProvider creates an ip-api.com provider. The service requires no
// API key.
func NewIPAPIProvider(timeout time.Duration) *IPAPIProvider {
	return &IPAPIProvider{
		baseURL:    ipapiBaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ipapiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Country string `json:"country"`
	City    string `json:"city"`
	ISP     string `json:"isp"`
	Org     string `json:"org"`
	Proxy   bool   `json:"proxy"`
	Hosting bool   `json:"hosting"`
	Query   string `json:"query"`
}

// Name implements Provider.
func (p *IPAPIProvider) Name() string { return "ipapi" }

// Lookup implements Provider.
func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*Report, error) {
	reqURL := p.baseURL + url.PathEscape(ip) +
		"?fields=status,message,country,city,isp,org,proxy,hosting,query"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ipapi: create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipapi: http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipapi: returned status %d", resp.StatusCode)
	}

	var body ipapiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("ipapi: decode response: %w", err)
	}

	if body.Status != "success" {
		// "fail" with messages like "private range" or "reserved range"
		// means the service cannot say anything about this address.
		if strings.Contains(body.Message, "range") || strings.Contains(body.Message, "query") {
			return nil, ErrNoData
		}
		return nil, fmt.Errorf("ipapi: status %q: %s", body.Status, body.Message)
	}

	return &Report{
		Address: ip,
		Proxy:   body.Proxy,
		Hosting: body.Hosting,
		Score:   scoreUnknown,
		Country: body.Country,
		City:    body.City,
		ISP:     body.ISP,
		Org:     body.Org,
	}, nil
}

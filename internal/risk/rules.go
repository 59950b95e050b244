package risk

import (
	"fmt"
	"strings"
)

// Reason codes attached to every decision. Stable strings: they appear in
// API responses, audit events, and metrics labels.
const (
	ReasonClean           = "clean"
	ReasonProxyFlag       = "proxy_flag"
	ReasonVPNFlag         = "vpn_flag"
	ReasonKeywordMatch    = "keyword_match"
	ReasonRiskScore       = "risk_score"
	ReasonCountryMismatch = "country_mismatch"
	ReasonLookupFailed    = "lookup_failed"
	ReasonNoData          = "no_data"
	ReasonNoAddress       = "no_address"
)

// Decision is the outcome of evaluating one address.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
	Country string `json:"country,omitempty"`
	ISP     string `json:"isp,omitempty"`
	Cached  bool   `json:"cached"`
}

// ruleSet holds the compiled blocking rules. Rules are checked in a fixed
// order; the first match decides. Provider flags outrank keyword matches,
// and keyword matches outrank the numeric score, so a hosting provider with
// a low score is still blocked.
type ruleSet struct {
	keywords         []string
	scoreThreshold   int
	allowedCountries map[string]struct{}
}

// newRuleSet compiles the rule inputs. Keywords and countries are matched
// case-insensitively.
func newRuleSet(keywords []string, scoreThreshold int, allowedCountries []string) *ruleSet {
	rs := &ruleSet{
		keywords:       make([]string, 0, len(keywords)),
		scoreThreshold: scoreThreshold,
	}
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			rs.keywords = append(rs.keywords, k)
		}
	}
	if len(allowedCountries) > 0 {
		rs.allowedCountries = make(map[string]struct{}, len(allowedCountries))
		for _, c := range allowedCountries {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				rs.allowedCountries[c] = struct{}{}
			}
		}
	}
	return rs
}

// apply runs the rule table against a report and returns the decision.
func (rs *ruleSet) apply(r *Report) Decision {
	d := Decision{Country: r.Country, ISP: r.ISP}

	if r.Proxy {
		d.Reason = ReasonProxyFlag
		d.Detail = "provider flagged address as proxy"
		return d
	}
	if r.VPN {
		d.Reason = ReasonVPNFlag
		d.Detail = "provider flagged address as VPN"
		return d
	}
	if kw, matched := rs.matchKeyword(r); matched {
		d.Reason = ReasonKeywordMatch
		d.Detail = kw
		return d
	}
	if rs.scoreThreshold > 0 && r.Score >= 0 && r.Score >= rs.scoreThreshold {
		d.Reason = ReasonRiskScore
		d.Detail = fmt.Sprintf("score %d >= threshold %d", r.Score, rs.scoreThreshold)
		return d
	}
	if rs.allowedCountries != nil && r.Country != "" {
		if _, ok := rs.allowedCountries[strings.ToLower(r.Country)]; !ok {
			d.Reason = ReasonCountryMismatch
			d.Detail = fmt.Sprintf("country %q not in allow list", r.Country)
			return d
		}
	}

	d.Allowed = true
	d.Reason = ReasonClean
	return d
}

// matchKeyword scans the ISP and organization text for suspicious keywords.
// A provider hosting flag counts as the "hosting" keyword.
func (rs *ruleSet) matchKeyword(r *Report) (string, bool) {
	if r.Hosting {
		return "provider flagged address as hosting", true
	}
	haystack := strings.ToLower(r.ISP + " " + r.Org)
	for _, kw := range rs.keywords {
		if strings.Contains(haystack, kw) {
			return fmt.Sprintf("keyword %q in %q", kw, strings.TrimSpace(r.ISP+" "+r.Org)), true
		}
	}
	return "", false
}

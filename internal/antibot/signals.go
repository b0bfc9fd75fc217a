package antibot

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// SignalKind identifies a detection input.
type SignalKind string

// Signal kinds interpreted by the engine.
const (
	SignalHTTPStatus    SignalKind = "http_status"
	SignalChallengePage SignalKind = "challenge_page"
	SignalCaptcha       SignalKind = "captcha"
	SignalLatency       SignalKind = "latency"
)

// Signal is one observed detection input for a domain.
type Signal struct {
	Kind       SignalKind
	StatusCode int
	Latency    time.Duration
}

// challengeSelectors match known challenge-page markup.
var challengeSelectors = []string{
	"#cf-challenge-running",
	"form#challenge-form",
	"#challenge-error-title",
	"div#ddg-challenge",
}

// captchaSelectors match CAPTCHA widgets.
var captchaSelectors = []string{
	"div.g-recaptcha",
	"div.h-captcha",
	"iframe[src*='recaptcha']",
	"#captcha",
}

// challengeKeywords are cheap substring fingerprints checked before parsing.
var challengeKeywords = [][]byte{
	[]byte("cf-browser-verification"),
	[]byte("just a moment..."),
	[]byte("attention required! | cloudflare"),
	[]byte("checking your browser before accessing"),
}

// Classifier turns fetch observations into signals.
type Classifier struct {
	latencyAnomaly time.Duration
}

// NewClassifier constructs a Classifier. latencyAnomaly of zero disables
// latency signals.
func NewClassifier(latencyAnomaly time.Duration) *Classifier {
	return &Classifier{latencyAnomaly: latencyAnomaly}
}

// Classify inspects one response and returns the detection signals it
// carries. An empty slice means the response looked clean.
func (c *Classifier) Classify(statusCode int, body []byte, latency time.Duration) []Signal {
	var signals []Signal

	switch statusCode {
	case http.StatusForbidden, http.StatusTooManyRequests:
		signals = append(signals, Signal{Kind: SignalHTTPStatus, StatusCode: statusCode})
	}

	if kind, found := classifyBody(body); found {
		signals = append(signals, Signal{Kind: kind, StatusCode: statusCode})
	}

	if c.latencyAnomaly > 0 && latency >= c.latencyAnomaly {
		signals = append(signals, Signal{Kind: SignalLatency, Latency: latency})
	}

	return signals
}

func classifyBody(body []byte) (SignalKind, bool) {
	if len(body) == 0 {
		return "", false
	}
	lower := bytes.ToLower(body)
	for _, kw := range challengeKeywords {
		if bytes.Contains(lower, kw) {
			return SignalChallengePage, true
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", false
	}
	for _, sel := range captchaSelectors {
		if doc.Find(sel).Length() > 0 {
			return SignalCaptcha, true
		}
	}
	for _, sel := range challengeSelectors {
		if doc.Find(sel).Length() > 0 {
			return SignalChallengePage, true
		}
	}
	title := strings.ToLower(doc.Find("title").Text())
	if strings.Contains(title, "access denied") || strings.Contains(title, "are you a robot") {
		return SignalChallengePage, true
	}
	return "", false
}

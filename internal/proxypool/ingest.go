package proxypool

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

// hostnamePattern matches RFC 1123 hostnames.
var hostnamePattern = regexp.MustCompile(
	`^([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])(\.([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]{0,61}[a-zA-Z0-9]))*$`,
)

// Rejection explains why a candidate was not admitted.
type Rejection struct {
	Candidate engine.ProxyCandidate `json:"candidate"`
	Reason    string                `json:"reason"`
}

// IngestReport summarizes one ingestion call.
type IngestReport struct {
	Admitted []engine.ProxyRecord `json:"admitted"`
	Rejected []Rejection          `json:"rejected,omitempty"`
}

// Ingest validates candidates and admits them into poolID. Invalid endpoints
// and duplicates of already-known host:port pairs are rejected, not silently
// dropped.
func (p *Pool) Ingest(poolID string, candidates []engine.ProxyCandidate) (IngestReport, error) {
	var report IngestReport

	p.mu.Lock()
	defer p.mu.Unlock()

	known := make(map[string]struct{})
	for _, rec := range p.scoped(poolID, "") {
		known[endpointKey(rec.Host, rec.Port)] = struct{}{}
	}

	for _, cand := range candidates {
		if reason := validateCandidate(cand); reason != "" {
			report.Rejected = append(report.Rejected, Rejection{Candidate: cand, Reason: reason})
			continue
		}
		key := endpointKey(cand.Host, cand.Port)
		if _, dup := known[key]; dup {
			report.Rejected = append(report.Rejected, Rejection{Candidate: cand, Reason: "duplicate endpoint"})
			continue
		}

		id, err := p.idGen.NewID()
		if err != nil {
			return report, fmt.Errorf("generate proxy id: %w", err)
		}
		protocol := cand.Protocol
		if protocol == "" {
			protocol = engine.ProxyProtocolHTTP
		}
		rec := &engine.ProxyRecord{
			ID:          id,
			PoolID:      poolID,
			Host:        strings.ToLower(cand.Host),
			Port:        cand.Port,
			Protocol:    protocol,
			Username:    cand.Username,
			Password:    cand.Password,
			Status:      engine.ProxyStatusActive,
			HealthScore: 1.0,
			CreatedAt:   p.clock.Now(),
		}
		p.proxies[id] = rec
		known[key] = struct{}{}
		report.Admitted = append(report.Admitted, *rec)
	}

	p.logger.Info("proxy ingestion finished",
		zap.String("pool_id", poolID),
		zap.Int("admitted", len(report.Admitted)),
		zap.Int("rejected", len(report.Rejected)),
	)
	p.publishGauges(poolID)
	return report, nil
}

func validateCandidate(cand engine.ProxyCandidate) string {
	host := strings.TrimSpace(cand.Host)
	if host == "" {
		return "empty host"
	}
	if cand.Port < 1 || cand.Port > 65535 {
		return "port out of range"
	}
	switch cand.Protocol {
	case "", engine.ProxyProtocolHTTP, engine.ProxyProtocolHTTPS, engine.ProxyProtocolSOCKS5:
	default:
		return fmt.Sprintf("unsupported protocol %q", cand.Protocol)
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
			return "ip in private or loopback range"
		}
		return ""
	}
	if strings.EqualFold(host, "localhost") {
		return "ip in private or loopback range"
	}
	if !hostnamePattern.MatchString(host) {
		return "malformed hostname"
	}
	return ""
}

func endpointKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(host), port)
}

package engine

import (
	"fmt"
	"net/url"
	"time"
)

// ProxyStatus represents the lifecycle state of a proxy endpoint.
type ProxyStatus string

// Proxy status values. Proxies are never deleted, only deactivated.
const (
	ProxyStatusActive   ProxyStatus = "active"
	ProxyStatusInactive ProxyStatus = "inactive"
	ProxyStatusFailed   ProxyStatus = "failed"
	ProxyStatusBanned   ProxyStatus = "banned"
)

// ProxyProtocol is the scheme used to reach the proxy.
type ProxyProtocol string

// Supported proxy protocols.
const (
	ProxyProtocolHTTP   ProxyProtocol = "http"
	ProxyProtocolHTTPS  ProxyProtocol = "https"
	ProxyProtocolSOCKS5 ProxyProtocol = "socks5"
)

// ProxyCandidate is an unvalidated endpoint offered for ingestion.
type ProxyCandidate struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Protocol ProxyProtocol `json:"protocol"`
	Username string        `json:"username,omitempty"`
	Password string        `json:"password,omitempty"`
}

// ProxyRecord is the persisted state of a proxy endpoint. Mutation is owned
// exclusively by the pool manager.
type ProxyRecord struct {
	ID             string        `json:"id"`
	PoolID         string        `json:"pool_id"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Protocol       ProxyProtocol `json:"protocol"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"-"`
	Status         ProxyStatus   `json:"status"`
	HealthScore    float64       `json:"health_score"`
	ConcurrentUses int           `json:"concurrent_uses"`
	FailureCount   int           `json:"failure_count"`
	CreatedAt      time.Time     `json:"created_at"`
	LastUsedAt     *time.Time    `json:"last_used_at,omitempty"`
	LastSuccessAt  *time.Time    `json:"last_success_at,omitempty"`
	LastFailureAt  *time.Time    `json:"last_failure_at,omitempty"`
}

// URL renders the proxy as a URL suitable for an HTTP transport.
func (p ProxyRecord) URL() string {
	u := url.URL{
		Scheme: string(p.Protocol),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// PoolSnapshot summarizes pool health for operators.
type PoolSnapshot struct {
	PoolID     string        `json:"pool_id"`
	Total      int           `json:"total"`
	Active     int           `json:"active"`
	Failed     int           `json:"failed"`
	Inactive   int           `json:"inactive"`
	Banned     int           `json:"banned"`
	InUse      int           `json:"in_use"`
	TakenAt    time.Time     `json:"taken_at"`
	Proxies    []ProxyRecord `json:"proxies,omitempty"`
	MaxPerUses int           `json:"max_concurrent_uses"`
}

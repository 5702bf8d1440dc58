package security

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"rimborsi/internal/log"
)

// DetectionMetrics counts flagged requests.
type DetectionMetrics struct {
	SuspiciousRequests int64
	SpoofedForwarding  int64
}

// Detector resolves client addresses behind trusted proxies and flags
// requests that look like probing. Flagged requests are logged and counted,
// never blocked.
type Detector struct {
	suspicious     atomic.Int64
	spoofed        atomic.Int64
	trustedProxies []*net.IPNet
	logger         *log.Logger
}

var defaultTrustedProxies = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

var probePatterns = []string{
	"../", "..\\", ".env", "wp-admin", "phpmyadmin",
	".php", ".git/", ".ssh", "etc/passwd", "cmd.exe",
	"<script", "javascript:", "union select", "eval(",
}

var scannerAgents = []string{
	"sqlmap", "nmap", "nikto", "gobuster", "dirbuster", "masscan", "zgrab",
}

// NewDetector trusts loopback and private networks as proxies.
func NewDetector(logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.Discard()
	}
	d := &Detector{logger: logger.WithComponent(log.ComponentSecurity)}
	for _, cidr := range defaultTrustedProxies {
		if err := d.AddTrustedProxy(cidr); err != nil {
			panic(err)
		}
	}
	return d
}

// AddTrustedProxy trusts forwarding headers set by hosts in cidr.
func (d *Detector) AddTrustedProxy(cidr string) error {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("invalid CIDR %s: %w", cidr, err)
	}
	d.trustedProxies = append(d.trustedProxies, network)
	return nil
}

// Suspicious reports whether r matches a known probe or scanner pattern.
func (d *Detector) Suspicious(r *http.Request) (bool, string) {
	path := strings.ToLower(r.URL.Path)
	query := strings.ToLower(r.URL.RawQuery)
	for _, p := range probePatterns {
		if strings.Contains(path, p) || strings.Contains(query, p) {
			return true, "probe pattern " + p
		}
	}

	ua := strings.ToLower(r.Header.Get("User-Agent"))
	for _, a := range scannerAgents {
		if strings.Contains(ua, a) {
			return true, "scanner agent " + a
		}
	}

	switch r.Method {
	case "TRACE", "TRACK", "DEBUG", http.MethodConnect:
		return true, "method " + r.Method
	}

	if len(r.URL.RequestURI()) > 2048 {
		return true, "oversized url"
	}
	if strings.Count(r.Header.Get("X-Forwarded-For"), ",") > 5 {
		return true, "forwarding chain too long"
	}
	return false, ""
}

// ClientIP returns the socket address, or the first forwarded address when
// the socket peer is a trusted proxy.
func (d *Detector) ClientIP(r *http.Request) string {
	direct, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		direct = r.RemoteAddr
	}
	peer := net.ParseIP(direct)
	if peer == nil {
		return direct
	}

	if !d.isTrustedProxy(peer) {
		return direct
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(r.Header.Get("X-Real-IP")); ip != nil {
		return ip.String()
	}
	return direct
}

// untrustedForwarding reports forwarding headers sent by a peer that is not
// a trusted proxy.
func (d *Detector) untrustedForwarding(r *http.Request) bool {
	if r.Header.Get("X-Forwarded-For") == "" && r.Header.Get("X-Real-IP") == "" {
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && !d.isTrustedProxy(ip)
}

func (d *Detector) isTrustedProxy(ip net.IP) bool {
	for _, network := range d.trustedProxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Handler logs and counts suspicious requests, then serves them normally.
func (d *Detector) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.untrustedForwarding(r) {
			d.spoofed.Add(1)
		}
		if bad, reason := d.Suspicious(r); bad {
			d.suspicious.Add(1)
			d.logger.WarnContext(r.Context(), "Suspicious request",
				"reason", reason,
				log.FieldMethod, r.Method,
				log.FieldPath, r.URL.Path,
				log.FieldClientIP, d.ClientIP(r))
		}
		next.ServeHTTP(w, r)
	})
}

func (d *Detector) Metrics() DetectionMetrics {
	return DetectionMetrics{
		SuspiciousRequests: d.suspicious.Load(),
		SpoofedForwarding:  d.spoofed.Load(),
	}
}

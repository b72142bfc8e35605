package delivery

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/r3e-network/integration-gateway/internal/app/gatewayerr"
)

// decisionLog is the security-policy decision log: every allow/block call
// validateTarget makes, kept on its own low-cardinality zerolog stream
// apart from general application logging since these entries are the
// audit trail an operator reaches for first after an incident.
var decisionLog atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Str("log", "security_decision").Logger()
	decisionLog.Store(&l)
}

// SetDecisionLogger installs the zerolog logger used for security-policy
// decisions. Passing nil restores the default stderr logger.
func SetDecisionLogger(l *zerolog.Logger) {
	if l == nil {
		fallback := zerolog.New(os.Stderr).With().Timestamp().Str("log", "security_decision").Logger()
		l = &fallback
	}
	decisionLog.Store(l)
}

// validateTarget enforces spec §4.5 step 4's outbound security policy
// ("private-network destinations are blocked when the global security flag
// is set") plus §6's enforceHttps knob. Adapted from the teacher's
// validateWebhookHostname/isDisallowedWebhookIP (services/automation/marble/triggers.go),
// generalised from its strict-identity-mode gate to this module's
// always-on-when-configured security policy.
func validateTarget(ctx context.Context, rawURL string, enforceHTTPS, blockPrivateNetworks bool) error {
	log := decisionLog.Load()
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		log.Warn().Str("target", rawURL).Err(err).Msg("block: unparseable target URL")
		return gatewayerr.Wrap(gatewayerr.Policy, "invalid_target_url", "delivery target URL could not be parsed", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		log.Warn().Str("target", rawURL).Str("scheme", parsed.Scheme).Msg("block: unsupported scheme")
		return gatewayerr.New(gatewayerr.Policy, "unsupported_target_scheme", fmt.Sprintf("unsupported target URL scheme %q", parsed.Scheme))
	}
	if enforceHTTPS && scheme != "https" {
		log.Warn().Str("target", rawURL).Msg("block: https required by policy")
		return gatewayerr.New(gatewayerr.Policy, "https_required", "target URL must use https per security policy")
	}
	if parsed.Hostname() == "" {
		log.Warn().Str("target", rawURL).Msg("block: missing target host")
		return gatewayerr.New(gatewayerr.Policy, "missing_target_host", "target URL must include a hostname")
	}
	if parsed.User != nil {
		log.Warn().Str("target", rawURL).Msg("block: userinfo in target URL")
		return gatewayerr.New(gatewayerr.Policy, "target_url_userinfo", "target URL must not include userinfo")
	}

	if !blockPrivateNetworks {
		log.Debug().Str("target", rawURL).Msg("allow: private-network blocking disabled")
		return nil
	}
	if err := validateHostnameNotPrivate(ctx, parsed.Hostname()); err != nil {
		return err
	}
	log.Debug().Str("target", rawURL).Msg("allow")
	return nil
}

func validateHostnameNotPrivate(ctx context.Context, rawHost string) error {
	log := decisionLog.Load()
	host := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(rawHost), "."))
	if host == "" {
		return gatewayerr.New(gatewayerr.Policy, "missing_target_host", "target URL must include a hostname")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		log.Warn().Str("host", host).Msg("block: localhost target")
		return gatewayerr.New(gatewayerr.Policy, "private_network_blocked", "target hostname resolves to a disallowed local address")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isDisallowedTargetIP(ip) {
			log.Warn().Str("host", host).Str("ip", ip.String()).Msg("block: disallowed private/local IP")
			return gatewayerr.New(gatewayerr.Policy, "private_network_blocked", "target IP is a disallowed private/local address")
		}
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		log.Warn().Str("host", host).Err(err).Msg("dns resolution failed")
		return gatewayerr.Wrap(gatewayerr.Transient, "dns_resolution_failed", "failed to resolve target hostname", err)
	}
	if len(addrs) == 0 {
		log.Warn().Str("host", host).Msg("dns resolved to no addresses")
		return gatewayerr.New(gatewayerr.Transient, "dns_no_addresses", "target hostname resolved to no addresses")
	}
	for _, addr := range addrs {
		if isDisallowedTargetIP(addr.IP) {
			log.Warn().Str("host", host).Str("resolved_ip", addr.IP.String()).Msg("block: hostname resolves to disallowed private/local address")
			return gatewayerr.New(gatewayerr.Policy, "private_network_blocked", "target hostname resolves to a disallowed private/local address")
		}
	}
	return nil
}

func isDisallowedTargetIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	// Carrier-grade NAT, RFC 6598: 100.64.0.0/10.
	if ip4 := ip.To4(); ip4 != nil && ip4[0] == 100 && ip4[1]&0xC0 == 0x40 {
		return true
	}
	return false
}

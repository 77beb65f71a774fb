package riskcontrol

import (
	"fmt"
	"math/rand"
	"strings"
)

// BrowserFingerprint bundles the header values a real browser request would
// carry, so outbound traffic from a pool of credentials doesn't all present
// the same obviously-automated client signature.
type BrowserFingerprint struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
	AcceptEncoding string
	SecCHUA        string
	SecCHUAMobile  string
	SecCHUAPlatform string
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2_1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:122.0) Gecko/20100101 Firefox/122.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.2; rv:122.0) Gecko/20100101 Firefox/122.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36 Edg/121.0.0.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"en-US,en;q=0.9,zh-CN;q=0.8,zh;q=0.7",
	"zh-CN,zh;q=0.9,en;q=0.8",
	"ja-JP,ja;q=0.9,en;q=0.8",
	"ko-KR,ko;q=0.9,en;q=0.8",
	"de-DE,de;q=0.9,en;q=0.8",
	"fr-FR,fr;q=0.9,en;q=0.8",
	"es-ES,es;q=0.9,en;q=0.8",
}

var secCHUAValues = []string{
	`"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
	`"Not_A Brand";v="8", "Chromium";v="121", "Google Chrome";v="121"`,
	`"Not_A Brand";v="8", "Chromium";v="122", "Google Chrome";v="122"`,
	`"Chromium";v="120", "Microsoft Edge";v="120", "Not=A?Brand";v="8"`,
	`"Chromium";v="121", "Microsoft Edge";v="121", "Not=A?Brand";v="8"`,
}

const fingerprintPoolSize = 50

// FingerprintGenerator holds a pre-generated pool of browser fingerprints,
// sampled once at startup and reused thereafter (so a sticky lookup by
// credential ID is stable across the process lifetime).
type FingerprintGenerator struct {
	pool []BrowserFingerprint
}

// NewFingerprintGenerator samples fingerprintPoolSize fingerprints from the
// curated UA/language/client-hint lists.
func NewFingerprintGenerator() *FingerprintGenerator {
	g := &FingerprintGenerator{pool: make([]BrowserFingerprint, 0, fingerprintPoolSize)}
	for i := 0; i < fingerprintPoolSize; i++ {
		g.pool = append(g.pool, g.generateOne())
	}
	return g
}

func (g *FingerprintGenerator) generateOne() BrowserFingerprint {
	ua := userAgents[rand.Intn(len(userAgents))]

	isChrome := strings.Contains(ua, "Chrome") && !strings.Contains(ua, "Edg")
	isEdge := strings.Contains(ua, "Edg")

	fp := BrowserFingerprint{
		UserAgent:      ua,
		Accept:         "application/json, text/plain, */*",
		AcceptLanguage: acceptLanguages[rand.Intn(len(acceptLanguages))],
		AcceptEncoding: "gzip, deflate, br",
	}

	if isChrome || isEdge {
		fp.SecCHUA = secCHUAValues[rand.Intn(len(secCHUAValues))]
		fp.SecCHUAMobile = "?0"
		switch {
		case strings.Contains(ua, "Windows"):
			fp.SecCHUAPlatform = `"Windows"`
		case strings.Contains(ua, "Macintosh"):
			fp.SecCHUAPlatform = `"macOS"`
		case strings.Contains(ua, "Linux"):
			fp.SecCHUAPlatform = `"Linux"`
		}
	}

	return fp
}

// Random returns an arbitrary fingerprint from the pool.
func (g *FingerprintGenerator) Random() BrowserFingerprint {
	return g.pool[rand.Intn(len(g.pool))]
}

// ForCredential deterministically maps a credential ID onto a pool slot, so
// the same credential always presents the same browser fingerprint.
func (g *FingerprintGenerator) ForCredential(credentialID string) BrowserFingerprint {
	return g.pool[stringHash(credentialID)%uint32(len(g.pool))]
}

func stringHash(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// HeadersBuilder merges a BrowserFingerprint with caller-supplied base
// headers and the provider's own auth header.
type HeadersBuilder struct {
	generator *FingerprintGenerator
}

// NewHeadersBuilder wraps a FingerprintGenerator for header assembly.
func NewHeadersBuilder(generator *FingerprintGenerator) *HeadersBuilder {
	return &HeadersBuilder{generator: generator}
}

// BuildHeaders merges base headers with a (sticky or random) fingerprint's
// UA/Accept*/Sec-CH-UA*/Sec-Fetch-* values, adding a bearer Authorization
// header from apiKey if the caller hasn't already set one.
func (b *HeadersBuilder) BuildHeaders(credentialID, apiKey string, base map[string]string, sticky bool) map[string]string {
	var fp BrowserFingerprint
	if sticky && credentialID != "" {
		fp = b.generator.ForCredential(credentialID)
	} else {
		fp = b.generator.Random()
	}

	headers := make(map[string]string, len(base)+10)
	for k, v := range base {
		headers[k] = v
	}

	headers["User-Agent"] = fp.UserAgent
	headers["Accept"] = fp.Accept
	headers["Accept-Language"] = fp.AcceptLanguage
	headers["Accept-Encoding"] = fp.AcceptEncoding

	if fp.SecCHUA != "" {
		headers["Sec-CH-UA"] = fp.SecCHUA
	}
	if fp.SecCHUAMobile != "" {
		headers["Sec-CH-UA-Mobile"] = fp.SecCHUAMobile
	}
	if fp.SecCHUAPlatform != "" {
		headers["Sec-CH-UA-Platform"] = fp.SecCHUAPlatform
	}

	headers["Sec-Fetch-Dest"] = "empty"
	headers["Sec-Fetch-Mode"] = "cors"
	headers["Sec-Fetch-Site"] = "same-origin"

	if apiKey != "" {
		if _, ok := headers["Authorization"]; !ok {
			headers["Authorization"] = fmt.Sprintf("Bearer %s", apiKey)
		}
	}

	return headers
}

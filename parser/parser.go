// Package parser derives the structured ParsedThreat representation from a
// raw collector record. Extraction is best-effort pattern matching: a rule
// that finds nothing yields an empty set for its field, never an error.
package parser

import (
	"net"
	"regexp"
	"sort"
	"strings"
	"time"

	"charon/core"

	"go.uber.org/zap"
)

// Extraction patterns. Fixed shapes; anything fancier belongs behind the
// same text -> tags contract.
var (
	cveRegex       = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)
	ipv4Regex      = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	domainRegex    = regexp.MustCompile(`\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+(?:[a-z]{2,})\b`)
	hashRegex      = regexp.MustCompile(`\b[a-fA-F0-9]{64}\b|\b[a-fA-F0-9]{40}\b|\b[a-fA-F0-9]{32}\b`)
	techniqueRegex = regexp.MustCompile(`\bT\d{4}(?:\.\d{3})?\b`)
	aptGroupRegex  = regexp.MustCompile(`\bAPT[- ]?\d{1,3}\b`)
)

// threatKeyword maps a free-text signal to a threat-type tag and the minimum
// severity its presence implies.
type threatKeyword struct {
	keyword  string
	tag      string
	minLevel core.Severity
}

// threatKeywords is evaluated in order; later entries may raise severity
// further but never lower it.
var threatKeywords = []threatKeyword{
	{"ransomware", "ransomware", core.SeverityHigh},
	{"zero-day", "zero-day", core.SeverityHigh},
	{"zero day", "zero-day", core.SeverityHigh},
	{"0-day", "zero-day", core.SeverityHigh},
	{"actively exploited", "exploitation", core.SeverityCritical},
	{"exploited in the wild", "exploitation", core.SeverityCritical},
	{"remote code execution", "exploitation", core.SeverityHigh},
	{"advanced persistent threat", "apt", core.SeverityHigh},
	{"phishing", "phishing", core.SeverityMedium},
	{"malware", "malware", core.SeverityMedium},
	{"trojan", "trojan", core.SeverityMedium},
	{"botnet", "botnet", core.SeverityMedium},
	{"data breach", "breach", core.SeverityHigh},
	{"supply chain", "supply-chain", core.SeverityHigh},
	{"ddos", "ddos", core.SeverityMedium},
}

// Short keywords need word boundaries so "rce" does not fire inside
// "source" or "apt" inside "adapted". "critical" counts only next to a
// vulnerability noun, so prose like "critical infrastructure" does not
// elevate severity.
var threatKeywordPatterns = []struct {
	pattern  *regexp.Regexp
	tag      string
	minLevel core.Severity
}{
	{regexp.MustCompile(`(?i)\bapt\b`), "apt", core.SeverityHigh},
	{regexp.MustCompile(`(?i)\brce\b`), "exploitation", core.SeverityHigh},
	{regexp.MustCompile(`(?i)\bcritical\s+(?:vulnerabilit(?:y|ies)|severity|flaw|bug|rce|exploit|patch)`), "", core.SeverityCritical},
	{regexp.MustCompile(`(?i)\brated\s+critical\b`), "", core.SeverityCritical},
}

// knownActors seeds named-actor extraction. APT-numbered groups are matched
// by pattern as well.
var knownActors = []string{
	"Lazarus Group",
	"Lazarus",
	"Fancy Bear",
	"Cozy Bear",
	"Sandworm",
	"Kimsuky",
	"LockBit",
	"BlackCat",
	"ALPHV",
	"Conti",
	"FIN7",
	"Scattered Spider",
	"Volt Typhoon",
	"Midnight Blizzard",
	"Turla",
	"MuddyWater",
}

// commonFalseDomains are frequent regex matches that are not indicators.
var commonFalseDomains = map[string]bool{
	"e.g":         true,
	"i.e":         true,
	"etc.al":      true,
	"example.com": true,
	"example.org": true,
}

// Parser converts raw records into parsed threats.
type Parser struct {
	industries    *IndustryTable
	maxBodyLength int
	logger        *zap.SugaredLogger
}

// NewParser creates a parser using the given industry table. A nil table
// falls back to the built-in defaults.
func NewParser(industries *IndustryTable, maxBodyLength int, logger *zap.SugaredLogger) *Parser {
	if industries == nil {
		industries = DefaultIndustryTable()
	}
	if maxBodyLength <= 0 {
		maxBodyLength = 200000
	}
	return &Parser{
		industries:    industries,
		maxBodyLength: maxBodyLength,
		logger:        logger,
	}
}

// Parse derives a ParsedThreat from a raw record. It never fails: malformed
// or signal-free text simply produces empty extraction sets and the default
// severity.
func (p *Parser) Parse(itemID string, raw *core.RawRecord) *core.ParsedThreat {
	body := raw.ContentText
	if len(body) > p.maxBodyLength {
		body = body[:p.maxBodyLength]
	}
	text := raw.Title + "\n" + body
	lower := strings.ToLower(text)

	threatTypes, severity := classify(lower)

	parsed := &core.ParsedThreat{
		ItemID:      itemID,
		Title:       raw.Title,
		Body:        body,
		SourceName:  raw.SourceName,
		SourceURL:   raw.SourceURL,
		Industries:  p.industries.Tag(lower),
		Severity:    severity,
		ThreatTypes: threatTypes,
		CVEs:        extractCVEs(text),
		IOCs:        extractIOCs(text),
		Techniques:  extractTechniques(text),
		Actors:      extractActors(text),
		PublishedAt: raw.PublishedAt.UTC(),
		IngestedAt:  time.Now().UTC(),
	}
	return parsed
}

// classify maps keyword hits to threat-type tags and the implied severity.
// No strong signal defaults to medium.
func classify(lower string) ([]string, core.Severity) {
	severity := core.SeverityMedium
	seen := make(map[string]bool)
	var tags []string
	for _, kw := range threatKeywords {
		if !strings.Contains(lower, kw.keyword) {
			continue
		}
		severity = severity.Max(kw.minLevel)
		if kw.tag != "" && !seen[kw.tag] {
			seen[kw.tag] = true
			tags = append(tags, kw.tag)
		}
	}
	for _, kw := range threatKeywordPatterns {
		if !kw.pattern.MatchString(lower) {
			continue
		}
		severity = severity.Max(kw.minLevel)
		if kw.tag != "" && !seen[kw.tag] {
			seen[kw.tag] = true
			tags = append(tags, kw.tag)
		}
	}
	return tags, severity
}

// extractCVEs returns the deduplicated, normalized set of CVE identifiers.
func extractCVEs(text string) []string {
	matches := cveRegex.FindAllString(text, -1)
	seen := make(map[string]bool)
	var cves []string
	for _, m := range matches {
		id := strings.ToUpper(m)
		if !seen[id] {
			seen[id] = true
			cves = append(cves, id)
		}
	}
	sort.Strings(cves)
	return cves
}

// extractIOCs returns typed indicators found in the text. IPs are validated
// octet-wise; hex strings must be MD5/SHA-1/SHA-256 length; domain matches
// that are actually IPs or known noise are dropped.
func extractIOCs(text string) []core.IOC {
	seen := make(map[string]bool)
	var iocs []core.IOC

	add := func(typ core.IOCType, value string) {
		key := string(typ) + ":" + value
		if !seen[key] {
			seen[key] = true
			iocs = append(iocs, core.IOC{Type: typ, Value: value})
		}
	}

	for _, m := range ipv4Regex.FindAllString(text, -1) {
		if ip := net.ParseIP(m); ip != nil {
			add(core.IOCTypeIP, m)
		}
	}
	for _, m := range hashRegex.FindAllString(text, -1) {
		add(core.IOCTypeHash, strings.ToLower(m))
	}
	for _, m := range domainRegex.FindAllString(strings.ToLower(text), -1) {
		if net.ParseIP(m) != nil || commonFalseDomains[m] {
			continue
		}
		add(core.IOCTypeDomain, m)
	}
	return iocs
}

// extractTechniques returns the set of ATT&CK technique identifiers.
func extractTechniques(text string) []string {
	matches := techniqueRegex.FindAllString(text, -1)
	seen := make(map[string]bool)
	var techniques []string
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			techniques = append(techniques, m)
		}
	}
	sort.Strings(techniques)
	return techniques
}

// extractActors returns named threat actors found in the text, combining the
// curated actor list with the APT-numbered group pattern.
func extractActors(text string) []string {
	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	var actors []string

	for _, actor := range knownActors {
		if strings.Contains(lower, strings.ToLower(actor)) && !seen[strings.ToLower(actor)] {
			// Longer aliases are listed first so "Lazarus Group" wins over
			// the bare "Lazarus" substring.
			redundant := false
			for _, existing := range actors {
				if strings.Contains(strings.ToLower(existing), strings.ToLower(actor)) {
					redundant = true
					break
				}
			}
			if !redundant {
				seen[strings.ToLower(actor)] = true
				actors = append(actors, actor)
			}
		}
	}
	for _, m := range aptGroupRegex.FindAllString(text, -1) {
		normalized := "APT" + strings.TrimLeft(strings.ToUpper(m), "APT- ")
		if !seen[strings.ToLower(normalized)] {
			seen[strings.ToLower(normalized)] = true
			actors = append(actors, normalized)
		}
	}
	return actors
}

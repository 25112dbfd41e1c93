package stix

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"charon/core"
	"charon/metrics"

	"go.uber.org/zap"
)

// ErrEmptyThreat is returned when a parsed threat cannot seed a bundle at
// all. The parsed record stays on the broker for manual reconversion.
var ErrEmptyThreat = errors.New("parsed threat has no item id or title")

// malwareTags are the threat-type tags that make the primary object a
// malware rather than a campaign.
var malwareTags = map[string]bool{
	"ransomware": true,
	"malware":    true,
	"trojan":     true,
	"botnet":     true,
}

// Converter expands parsed threats into interchange bundles.
type Converter struct {
	logger *zap.SugaredLogger
}

// NewConverter creates a bundle converter.
func NewConverter(logger *zap.SugaredLogger) *Converter {
	return &Converter{logger: logger}
}

// Convert expands a parsed threat into a self-consistent bundle. The
// construction order is deterministic, so converting the same threat twice
// yields structurally identical bundles differing only in generated id
// suffixes. A sub-object that cannot be built is skipped with a warning
// rather than failing the whole conversion.
func (c *Converter) Convert(parsed *core.ParsedThreat) (*Bundle, error) {
	if parsed == nil || parsed.ItemID == "" || parsed.Title == "" {
		metrics.ConversionFailures.Inc()
		return nil, ErrEmptyThreat
	}

	bundle := &Bundle{
		Type:   TypeBundle,
		ID:     NewID(TypeBundle),
		ItemID: parsed.ItemID,
	}
	created := parsed.PublishedAt

	// Exactly one primary object represents the threat event itself.
	primaryType := TypeCampaign
	for _, tag := range parsed.ThreatTypes {
		if malwareTags[tag] {
			primaryType = TypeMalware
			break
		}
	}
	primary := Object{
		Type:        primaryType,
		ID:          NewID(primaryType),
		Created:     created,
		Name:        parsed.Title,
		Description: summarize(parsed.Body),
		Labels:      parsed.ThreatTypes,
	}
	bundle.Objects = append(bundle.Objects, primary)

	for _, cve := range parsed.CVEs {
		vuln := Object{
			Type:       TypeVulnerability,
			ID:         NewID(TypeVulnerability),
			Created:    created,
			Name:       cve,
			ExternalID: cve,
		}
		bundle.Objects = append(bundle.Objects, vuln)
		bundle.Objects = append(bundle.Objects, relationship(RelExploits, primary.ID, vuln.ID, created))
	}

	// Actors are reused within the bundle by exact name match, so a threat
	// attributed twice to the same group yields a single actor object.
	actorIDs := make(map[string]string)
	for _, actor := range parsed.Actors {
		id, ok := actorIDs[actor]
		if !ok {
			obj := Object{
				Type:    TypeThreatActor,
				ID:      NewID(TypeThreatActor),
				Created: created,
				Name:    actor,
			}
			bundle.Objects = append(bundle.Objects, obj)
			actorIDs[actor] = obj.ID
			id = obj.ID
		}
		bundle.Objects = append(bundle.Objects, relationship(RelAttributedTo, primary.ID, id, created))
	}

	for _, ioc := range parsed.IOCs {
		pattern, err := indicatorPattern(ioc)
		if err != nil {
			// Degrade gracefully: skip the indicator, keep the bundle.
			warning := fmt.Sprintf("skipped indicator %q: %v", ioc.Value, err)
			bundle.Warnings = append(bundle.Warnings, warning)
			metrics.ConversionWarnings.Inc()
			c.logger.Warnf("Conversion warning for item %s: %s", parsed.ItemID, warning)
			continue
		}
		indicator := Object{
			Type:        TypeIndicator,
			ID:          NewID(TypeIndicator),
			Created:     created,
			Name:        ioc.Value,
			Pattern:     pattern,
			PatternType: "stix",
			Labels:      []string{"malicious-activity"},
		}
		bundle.Objects = append(bundle.Objects, indicator)
		bundle.Objects = append(bundle.Objects, relationship(RelIndicates, indicator.ID, primary.ID, created))
	}

	for _, industry := range parsed.Industries {
		identity := Object{
			Type:          TypeIdentity,
			ID:            NewID(TypeIdentity),
			Created:       created,
			Name:          industry,
			IdentityClass: "class",
			Sectors:       []string{industry},
		}
		bundle.Objects = append(bundle.Objects, identity)
		bundle.Objects = append(bundle.Objects, relationship(RelTargets, primary.ID, identity.ID, created))
	}

	for _, technique := range parsed.Techniques {
		pattern := Object{
			Type:       TypeAttackPattern,
			ID:         NewID(TypeAttackPattern),
			Created:    created,
			Name:       technique,
			ExternalID: technique,
		}
		bundle.Objects = append(bundle.Objects, pattern)
		bundle.Objects = append(bundle.Objects, relationship(RelUses, primary.ID, pattern.ID, created))
	}

	if err := bundle.Validate(); err != nil {
		// A bundle is never partially valid; discard it and let the caller
		// retain the parsed threat for reconversion.
		metrics.ConversionFailures.Inc()
		return nil, fmt.Errorf("bundle failed integrity check: %w", err)
	}
	return bundle, nil
}

// relationship builds a typed relationship object linking two bundle ids.
func relationship(relType, sourceRef, targetRef string, created time.Time) Object {
	return Object{
		Type:             TypeRelationship,
		ID:               NewID(TypeRelationship),
		Created:          created,
		RelationshipType: relType,
		SourceRef:        sourceRef,
		TargetRef:        targetRef,
	}
}

// indicatorPattern renders the STIX pattern expression for a typed IOC.
func indicatorPattern(ioc core.IOC) (string, error) {
	value := strings.ReplaceAll(ioc.Value, "'", "\\'")
	switch ioc.Type {
	case core.IOCTypeIP:
		return fmt.Sprintf("[ipv4-addr:value = '%s']", value), nil
	case core.IOCTypeDomain:
		return fmt.Sprintf("[domain-name:value = '%s']", value), nil
	case core.IOCTypeHash:
		algo, err := hashAlgorithm(ioc.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("[file:hashes.'%s' = '%s']", algo, value), nil
	default:
		return "", fmt.Errorf("no pattern expression for indicator type %q", ioc.Type)
	}
}

// hashAlgorithm infers the digest algorithm from the hex length.
func hashAlgorithm(value string) (string, error) {
	switch len(value) {
	case 32:
		return "MD5", nil
	case 40:
		return "SHA-1", nil
	case 64:
		return "SHA-256", nil
	default:
		return "", fmt.Errorf("unrecognized hash length %d", len(value))
	}
}

// summarize truncates a body to a short description.
func summarize(body string) string {
	const maxDescription = 500
	body = strings.TrimSpace(body)
	if len(body) <= maxDescription {
		return body
	}
	return body[:maxDescription] + "..."
}

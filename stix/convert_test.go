package stix

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"charon/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestConverter(t *testing.T) *Converter {
	t.Helper()
	return NewConverter(zaptest.NewLogger(t).Sugar())
}

func sampleThreat() *core.ParsedThreat {
	return &core.ParsedThreat{
		ItemID:      "a1b2c3d4e5f60708",
		Title:       "Critical RCE in Example Gateway, CVE-2025-00001, actively exploited",
		Body:        "A remote code execution flaw is being actively exploited in the wild.",
		SourceName:  "advisory-feed",
		Industries:  []string{"technology"},
		Severity:    core.SeverityCritical,
		ThreatTypes: []string{"exploitation"},
		CVEs:        []string{"CVE-2025-00001"},
		IOCs: []core.IOC{
			{Type: core.IOCTypeIP, Value: "203.0.113.7"},
			{Type: core.IOCTypeDomain, Value: "evil-domain.net"},
			{Type: core.IOCTypeHash, Value: "d41d8cd98f00b204e9800998ecf8427e"},
		},
		Techniques:  []string{"T1190"},
		Actors:      []string{"Sandworm"},
		PublishedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestConvert_VulnerabilityAlert(t *testing.T) {
	c := newTestConverter(t)

	bundle, err := c.Convert(sampleThreat())
	require.NoError(t, err)
	require.NoError(t, bundle.Validate())

	assert.Equal(t, TypeBundle, bundle.Type)
	assert.Equal(t, "a1b2c3d4e5f60708", bundle.ItemID)

	vulns := bundle.ObjectsOfType(TypeVulnerability)
	require.Len(t, vulns, 1)
	assert.Equal(t, "CVE-2025-00001", vulns[0].Name)

	exploits := bundle.Relationships(RelExploits)
	require.Len(t, exploits, 1)
	assert.Equal(t, vulns[0].ID, exploits[0].TargetRef)

	// Primary object is a campaign: "exploitation" is not a malware tag.
	require.Len(t, bundle.ObjectsOfType(TypeCampaign), 1)
	assert.Empty(t, bundle.ObjectsOfType(TypeMalware))
}

func TestConvert_PrimaryTypeMalware(t *testing.T) {
	c := newTestConverter(t)

	parsed := sampleThreat()
	parsed.ThreatTypes = []string{"ransomware"}

	bundle, err := c.Convert(parsed)
	require.NoError(t, err)
	require.Len(t, bundle.ObjectsOfType(TypeMalware), 1)
	assert.Empty(t, bundle.ObjectsOfType(TypeCampaign))
}

func TestConvert_IndicatorPatterns(t *testing.T) {
	c := newTestConverter(t)

	bundle, err := c.Convert(sampleThreat())
	require.NoError(t, err)

	indicators := bundle.ObjectsOfType(TypeIndicator)
	require.Len(t, indicators, 3)
	assert.Equal(t, "[ipv4-addr:value = '203.0.113.7']", indicators[0].Pattern)
	assert.Equal(t, "[domain-name:value = 'evil-domain.net']", indicators[1].Pattern)
	assert.Equal(t, "[file:hashes.'MD5' = 'd41d8cd98f00b204e9800998ecf8427e']", indicators[2].Pattern)

	// Indicates relationships point at the primary object.
	primary := bundle.ObjectsOfType(TypeCampaign)[0]
	for _, rel := range bundle.Relationships(RelIndicates) {
		assert.Equal(t, primary.ID, rel.TargetRef)
	}
}

func TestConvert_ActorReuseWithinBundle(t *testing.T) {
	c := newTestConverter(t)

	parsed := sampleThreat()
	parsed.Actors = []string{"Sandworm", "Sandworm", "FIN7"}

	bundle, err := c.Convert(parsed)
	require.NoError(t, err)

	actors := bundle.ObjectsOfType(TypeThreatActor)
	assert.Len(t, actors, 2, "duplicate actor names must reuse one object")
	assert.Len(t, bundle.Relationships(RelAttributedTo), 3)
}

func TestConvert_IdentitiesAndTechniques(t *testing.T) {
	c := newTestConverter(t)

	parsed := sampleThreat()
	parsed.Industries = []string{"finance", "healthcare"}
	parsed.Techniques = []string{"T1059.001", "T1566"}

	bundle, err := c.Convert(parsed)
	require.NoError(t, err)

	identities := bundle.ObjectsOfType(TypeIdentity)
	require.Len(t, identities, 2)
	assert.Equal(t, []string{"finance"}, identities[0].Sectors)
	assert.Len(t, bundle.Relationships(RelTargets), 2)

	patterns := bundle.ObjectsOfType(TypeAttackPattern)
	require.Len(t, patterns, 2)
	assert.Len(t, bundle.Relationships(RelUses), 2)
}

func TestConvert_PartialFailureSkipsIndicator(t *testing.T) {
	c := newTestConverter(t)

	parsed := sampleThreat()
	parsed.IOCs = []core.IOC{
		{Type: core.IOCTypeHash, Value: "deadbeef"}, // not a valid digest length
		{Type: core.IOCTypeIP, Value: "203.0.113.7"},
	}

	bundle, err := c.Convert(parsed)
	require.NoError(t, err, "partial failure must not abort conversion")
	assert.Len(t, bundle.ObjectsOfType(TypeIndicator), 1)
	require.Len(t, bundle.Warnings, 1)
	assert.Contains(t, bundle.Warnings[0], "deadbeef")
	require.NoError(t, bundle.Validate())
}

func TestConvert_TotalFailure(t *testing.T) {
	c := newTestConverter(t)

	_, err := c.Convert(&core.ParsedThreat{})
	assert.ErrorIs(t, err, ErrEmptyThreat)

	_, err = c.Convert(nil)
	assert.ErrorIs(t, err, ErrEmptyThreat)
}

// shape strips generated id suffixes so two conversions can be compared
// structurally.
func shape(b *Bundle) []Object {
	idTypes := make(map[string]string)
	for _, obj := range b.Objects {
		idTypes[obj.ID] = obj.Type
	}
	out := make([]Object, len(b.Objects))
	for i, obj := range b.Objects {
		obj.ID = obj.Type
		if obj.SourceRef != "" {
			obj.SourceRef = idTypes[obj.SourceRef]
		}
		if obj.TargetRef != "" {
			obj.TargetRef = idTypes[obj.TargetRef]
		}
		out[i] = obj
	}
	return out
}

func TestConvert_Idempotent(t *testing.T) {
	c := newTestConverter(t)

	first, err := c.Convert(sampleThreat())
	require.NoError(t, err)
	second, err := c.Convert(sampleThreat())
	require.NoError(t, err)

	assert.Equal(t, shape(first), shape(second),
		"re-conversion must match in object and relationship topology")
	assert.NotEqual(t, first.ID, second.ID, "bundle ids carry fresh suffixes")
}

func TestBundle_JSONShape(t *testing.T) {
	c := newTestConverter(t)

	bundle, err := c.Convert(sampleThreat())
	require.NoError(t, err)

	data, err := json.Marshal(bundle)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "bundle", decoded["type"])
	assert.True(t, strings.HasPrefix(decoded["id"].(string), "bundle--"))

	objects := decoded["objects"].([]interface{})
	require.NotEmpty(t, objects)
	for _, raw := range objects {
		obj := raw.(map[string]interface{})
		assert.NotEmpty(t, obj["type"])
		assert.NotEmpty(t, obj["id"])
		if obj["type"] == "relationship" {
			assert.NotEmpty(t, obj["relationship_type"])
			assert.NotEmpty(t, obj["source_ref"])
			assert.NotEmpty(t, obj["target_ref"])
		}
	}
}

func TestBundle_ValidateRejectsDanglingRef(t *testing.T) {
	now := time.Now().UTC()
	bundle := &Bundle{
		Type: TypeBundle,
		ID:   NewID(TypeBundle),
		Objects: []Object{
			{Type: TypeCampaign, ID: NewID(TypeCampaign), Created: now, Name: "c"},
			{
				Type:             TypeRelationship,
				ID:               NewID(TypeRelationship),
				Created:          now,
				RelationshipType: RelExploits,
				SourceRef:        "campaign--does-not-exist",
				TargetRef:        "vulnerability--does-not-exist",
			},
		},
	}
	assert.Error(t, bundle.Validate())
}

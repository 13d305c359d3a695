// ABOUTME: Mapping rule resolution and value transforms
// ABOUTME: Pure lookup/transform logic with a closed transform catalogue, no I/O
package rules

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/relaycrm/bridge/models"
)

var (
	upperCaser = cases.Upper(language.Und)
	lowerCaser = cases.Lower(language.Und)
)

// Resolve returns the active rules that apply to the given direction, ordered
// by position. Rule-set validity (no two active rules targeting the same
// property and direction) is enforced at the editing boundary, not here.
func Resolve(all []models.MappingRule, dir models.Direction) []models.MappingRule {
	var out []models.MappingRule
	for _, r := range all {
		if !r.Active {
			continue
		}
		if r.Direction == models.DirectionBoth || r.Direction == dir {
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Apply runs a rule's transform over a source value. The returned bool is
// true when the transform identifier was not recognized; the value passes
// through unmodified in that case so a bad rule row never stops the pipeline.
func Apply(rule models.MappingRule, value string) (string, bool) {
	switch rule.Transform {
	case models.TransformIdentity, "":
		return value, false
	case models.TransformTrim:
		return strings.TrimSpace(value), false
	case models.TransformUppercase:
		return upperCaser.String(value), false
	case models.TransformLowercase:
		return lowerCaser.String(value), false
	case models.TransformTrimLowercase:
		return lowerCaser.String(strings.TrimSpace(value)), false
	case models.TransformPhoneE164:
		return NormalizePhone(value), false
	default:
		return value, true
	}
}

// Defaults returns the system-seeded rule set. Default rules are always
// active and cannot be deleted.
func Defaults() []models.MappingRule {
	mk := func(pos int, local, remote string, t models.Transform) models.MappingRule {
		return models.MappingRule{
			LocalField:     local,
			RemoteProperty: remote,
			Direction:      models.DirectionBoth,
			Transform:      t,
			IsDefault:      true,
			Active:         true,
			Position:       pos,
		}
	}

	return []models.MappingRule{
		mk(0, "email", "email", models.TransformTrimLowercase),
		mk(1, "first_name", "firstname", models.TransformTrim),
		mk(2, "last_name", "lastname", models.TransformTrim),
		mk(3, "phone", "phone", models.TransformPhoneE164),
		mk(4, "company", "company", models.TransformTrim),
		mk(5, "website", "website", models.TransformTrimLowercase),
	}
}

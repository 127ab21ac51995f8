package director

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllTypesHaveProfiles(t *testing.T) {
	for _, typ := range All {
		p, ok := Lookup(typ)
		assert.True(t, ok, typ)
		assert.NotEmpty(t, p.NameEN, typ)
		assert.NotEmpty(t, p.EvaluationFocus, typ)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Corporate))
	assert.False(t, Valid(Type("does_not_exist")))
}

func TestProfilesAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, typ := range All {
		p := Profiles[typ]
		assert.False(t, seen[p.NameEN], "duplicate profile name %q", p.NameEN)
		seen[p.NameEN] = true
	}
}

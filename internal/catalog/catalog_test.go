package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldcrew/rigshift/internal/domain"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Len(t, c.Rigs, 6)
	assert.Len(t, c.WarehouseItems, 9)
	assert.Len(t, c.SafetyItems, 5)
	assert.Len(t, c.InspectionItems, 5)
	assert.Len(t, c.LubricationPoints, 5)
	for _, it := range c.InspectionItems {
		assert.Len(t, it.Checklist, 3, it.ID)
		assert.True(t, it.Required, it.ID)
	}

	op, ok := c.Operator("1")
	require.True(t, ok)
	assert.Equal(t, "1234", op.PIN)

	rig, ok := c.Rig(3)
	require.True(t, ok)
	assert.Equal(t, "LIEBH-LRH100", rig.ModelID)
	assert.Equal(t, "115103", rig.Serial)

	_, ok = c.Rig(99)
	assert.False(t, ok)
	_, ok = c.Operator("nobody")
	assert.False(t, ok)
}

func TestPointsForModel(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	tests := []struct {
		model string
		want  []string
	}{
		{"PVE-50PR", []string{"rotary", "winch"}},
		{"LIEBH-LRH100", []string{"rotary", "mast", "winch"}},
		{"KBURG-16", []string{"mast", "winch", "hammer"}},
		{"LIEBH-LRH100-DD45", []string{"dd45_joint"}},
		{"UNKNOWN", nil},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			var got []string
			for _, p := range c.PointsForModel(tc.model) {
				got = append(got, p.ID)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	doc := `
operators: [{id: "7", name: Night crew, pin: "0000"}]
rigs: [{id: 1, name: Test rig, model_id: M1}]
safety_items: [{id: s1, title: T, content: C}]
inspection_items: [{id: i1, name: I, required: true, checklist: [a]}]
warehouse_items: [{id: w1, name: Grease, model_id: M1, quantity: 1.5, critical: 1, unit: l, lubricant: true}]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7", c.Operators[0].ID)
	assert.Equal(t, 1.5, c.WarehouseItems[0].Quantity)
	assert.True(t, c.WarehouseItems[0].Lubricant)

	def, err := Load("")
	require.NoError(t, err)
	assert.Len(t, def.Rigs, 6)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "empty checklist",
			doc: `operators: [{id: "1", pin: "1"}]
rigs: [{id: 1, model_id: M}]
safety_items: [{id: s}]
inspection_items: [{id: i, checklist: []}]`,
			want: "empty checklist",
		},
		{
			name: "duplicate rig",
			doc: `operators: [{id: "1", pin: "1"}]
rigs: [{id: 1, model_id: M}, {id: 1, model_id: N}]
safety_items: [{id: s}]`,
			want: "duplicate rig 1",
		},
		{
			name: "negative stock",
			doc: `operators: [{id: "1", pin: "1"}]
rigs: [{id: 1, model_id: M}]
safety_items: [{id: s}]
warehouse_items: [{id: w, model_id: M, quantity: -1}]`,
			want: "negative quantity",
		},
		{
			name: "missing sections",
			doc:  `rigs: []`,
			want: "no operators",
		},
		{
			name: "bad yaml",
			doc:  "rigs: [",
			want: "parse catalog",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrCatalogInvalid)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestMarshal_MasksPINs(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	masked, err := c.Marshal(false)
	require.NoError(t, err)
	assert.Contains(t, string(masked), "****")
	assert.NotContains(t, string(masked), "1234")

	full, err := c.Marshal(true)
	require.NoError(t, err)
	back, err := Parse(full)
	require.NoError(t, err)
	assert.Equal(t, c, back)
	assert.Equal(t, "1234", c.Operators[0].PIN)
}

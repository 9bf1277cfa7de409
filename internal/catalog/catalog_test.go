package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPCI(t *testing.T) {
	got := Expand(PCI)
	require.Len(t, got, 5)
	assert.Equal(t, "Individual Taxpayer Identification Number (ITIN) (US)", got[0])
	assert.Equal(t, "Bank Account Number (US)", got[4])

	// Callers must not be able to mutate the catalog.
	got[0] = "changed"
	assert.Equal(t, "Individual Taxpayer Identification Number (ITIN) (US)", Expand(PCI)[0])
}

func TestExpandUnknownAndNonEntity(t *testing.T) {
	for _, name := range []string{"Nope", "", Harassment} {
		got := Expand(name)
		assert.NotNil(t, got, name)
		assert.Empty(t, got, name)
	}
}

func TestResolve(t *testing.T) {
	r := Resolve(PHI)
	assert.Equal(t, PHI, r.Name)
	assert.Equal(t, []string{"Medical License Number (US)", "National Health Service (NHS) Number"}, r.EntityTypes)
}

func TestNames(t *testing.T) {
	n := Names()
	assert.Len(t, n, 11)
	for _, name := range n {
		assert.True(t, Known(name), name)
	}
	assert.False(t, Known("Spam"))
}

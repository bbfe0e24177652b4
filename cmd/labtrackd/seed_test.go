package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-usage-backend/internal/model"
	"lab-usage-backend/internal/store"
)

const seedYAML = `
users:
  - name: Alice
    email: alice@lab.example
  - name: Bob
    email: bob@lab.example
equipment:
  - name: Confocal
    code: MIC-01
    location: Room 2.14
  - name: Centrifuge
    code: CEN-01
`

func TestSeed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	res, err := seed(ctx, st, strings.NewReader(seedYAML))
	require.NoError(t, err)
	assert.Equal(t, seedResult{Users: 2, Equipment: 2}, res)

	eqs, err := st.ListEquipment(ctx)
	require.NoError(t, err)
	require.Len(t, eqs, 2)
	for _, e := range eqs {
		assert.Equal(t, model.StatusAvailable, e.CurrentStatus)
	}

	// Re-running skips everything already present.
	res, err = seed(ctx, st, strings.NewReader(seedYAML))
	require.NoError(t, err)
	assert.Equal(t, seedResult{Skipped: 4}, res)
}

func TestSeedRejectsIncompleteEntries(t *testing.T) {
	_, err := seed(context.Background(), store.NewMemoryStore(), strings.NewReader("equipment:\n  - name: Nameless\n"))
	assert.ErrorContains(t, err, "name and code")

	_, err = seed(context.Background(), store.NewMemoryStore(), strings.NewReader("users: [1, 2"))
	assert.ErrorContains(t, err, "decoding seed file")
}

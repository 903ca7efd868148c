package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsUniqueV7(t *testing.T) {
	t.Parallel()

	gen := New("")
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestGeneratorPrefix(t *testing.T) {
	t.Parallel()

	id, err := New("crawler-01").NewID()
	require.NoError(t, err)
	rest, ok := strings.CutPrefix(id, "crawler-01-")
	require.True(t, ok, id)
	_, err = goUUID.Parse(rest)
	require.NoError(t, err)
}

package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/docstate/internal/ident"
)

func mustID(t *testing.T, s string) ident.DocumentID {
	t.Helper()
	id, err := ident.ParseDocumentID(s)
	require.NoError(t, err)
	return id
}

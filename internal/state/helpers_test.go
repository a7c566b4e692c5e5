package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/docstate/internal/docmodel"
	"github.com/roach88/docstate/internal/ident"
	"github.com/roach88/docstate/internal/testutil"
)

func id(ns, key string) ident.DocumentID {
	return ident.DocumentID{Namespace: ns, ID: key}
}

func newTestStore(t *testing.T) (*DocumentStore, *testutil.DeterministicClock) {
	t.Helper()
	clock := testutil.NewDeterministicClock()
	return NewDocumentStore(WithStoreClock(clock.Now)), clock
}

// mustCreate creates a document and applies the given puts in one update.
func mustCreate(t *testing.T, s *DocumentStore, docID ident.DocumentID, puts map[string]any) *DocumentHandle {
	t.Helper()
	h, err := s.Create(docID)
	require.NoError(t, err)
	if len(puts) > 0 {
		_, err = h.Update(func(doc *docmodel.Doc) error {
			for k, v := range puts {
				if err := doc.Put(k, v); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
	}
	return h
}

func readInt(t *testing.T, h *DocumentHandle, path string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.Read(func(doc *docmodel.Doc) error {
		var err error
		n, _, err = doc.GetInt64(path)
		return err
	}))
	return n
}

func readString(t *testing.T, h *DocumentHandle, path string) string {
	t.Helper()
	var s string
	require.NoError(t, h.Read(func(doc *docmodel.Doc) error {
		var err error
		s, _, err = doc.GetString(path)
		return err
	}))
	return s
}

func mustSave(t *testing.T, h *DocumentHandle) []byte {
	t.Helper()
	b, err := h.Save()
	require.NoError(t, err)
	return b
}

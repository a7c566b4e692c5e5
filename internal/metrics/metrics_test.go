package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docstate/internal/state"
)

type fixedStats state.Stats

func (f fixedStats) Stats() state.Stats { return state.Stats(f) }

func TestCollector(t *testing.T) {
	c := NewCollector(fixedStats{
		Documents:          3,
		TotalSize:          1024,
		Namespaces:         2,
		QueueLength:        5,
		Subscriptions:      1,
		Snapshots:          4,
		SnapshotsSize:      2048,
		ActiveTransactions: 0,
	})

	expected := `
# HELP docstate_documents Documents currently held by the store.
# TYPE docstate_documents gauge
docstate_documents 3
# HELP docstate_queue_length Pending offline operations.
# TYPE docstate_queue_length gauge
docstate_queue_length 5
# HELP docstate_snapshots_bytes Total size of retained snapshots.
# TYPE docstate_snapshots_bytes gauge
docstate_snapshots_bytes 2048
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"docstate_documents", "docstate_queue_length", "docstate_snapshots_bytes"))
	assert.Equal(t, 8, testutil.CollectAndCount(c))
}

func TestCollectorWithEngine(t *testing.T) {
	e, err := state.Open(state.DefaultConfig())
	require.NoError(t, err)
	defer e.Close()

	_, err = e.CreateDocument(mustID(t, "users/alice"))
	require.NoError(t, err)

	c := NewCollector(e)
	assert.Equal(t, 8, testutil.CollectAndCount(c))

	reg, err := Registry(e)
	require.NoError(t, err)
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "docstate_documents 1")
	assert.Contains(t, string(body), "go_goroutines")
}

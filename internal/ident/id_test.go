package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocumentID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    DocumentID
		wantErr bool
	}{
		{name: "simple", input: "users/alice", want: DocumentID{Namespace: "users", ID: "alice"}},
		{name: "id with slash", input: "files/a/b.txt", want: DocumentID{Namespace: "files", ID: "a/b.txt"}},
		{name: "no separator", input: "users", wantErr: true},
		{name: "empty namespace", input: "/alice", wantErr: true},
		{name: "empty id", input: "users/", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDocumentID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidDocumentID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String(), "String must round-trip through Parse")
		})
	}
}

func TestDocumentIDEquality(t *testing.T) {
	a := NewDocumentID("users", "alice")
	b := NewDocumentID("users", "alice")
	c := NewDocumentID("users", "bob")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	m := map[DocumentID]int{a: 1}
	assert.Equal(t, 1, m[b], "equal ids must hash to the same map key")
}

func TestNewDocumentIDNormalizesNFC(t *testing.T) {
	// "é" precomposed vs "e" + combining acute
	composed := NewDocumentID("people", "jos\u00e9")
	decomposed := NewDocumentID("people", "jose\u0301")

	assert.Equal(t, composed, decomposed)
}

func TestDocumentIDValidate(t *testing.T) {
	assert.NoError(t, NewDocumentID("a", "b").Validate())
	assert.ErrorIs(t, NewDocumentID("a/b", "c").Validate(), ErrInvalidDocumentID)
	assert.ErrorIs(t, DocumentID{}.Validate(), ErrInvalidDocumentID)
}

func TestDocumentIDLess(t *testing.T) {
	a := NewDocumentID("accounts", "b")
	b := NewDocumentID("accounts", "c")
	c := NewDocumentID("ledger", "a")

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.False(t, a.Less(a))
}

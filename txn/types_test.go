package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFootprint(t *testing.T) {
	tx := NewBuilder(1, 1).WithObjects(1, 2).WithNewObjects(7).Build()

	fp := tx.Footprint()
	assert.Len(t, fp, 3)
	assert.True(t, fp.Contains(1))
	assert.True(t, fp.Contains(2))
	assert.True(t, fp.Contains(7))
	assert.Equal(t, []ObjectID{1, 2, 7}, fp.Sorted())
}

func TestObjectSetIntersects(t *testing.T) {
	tests := []struct {
		name string
		a, b ObjectSet
		want bool
	}{
		{"disjoint", NewObjectSet(1, 2), NewObjectSet(3, 4), false},
		{"shared", NewObjectSet(1, 2), NewObjectSet(2, 3), true},
		{"empty", NewObjectSet(), NewObjectSet(1), false},
		{"subset", NewObjectSet(1, 2, 3, 4), NewObjectSet(4), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Intersects(tt.b))
			assert.Equal(t, tt.want, tt.b.Intersects(tt.a))
		})
	}
}

func TestAttachGID(t *testing.T) {
	tx := NewBuilder(1, 1).Build()

	require.Error(t, tx.AttachGID(NullGID))
	require.NoError(t, tx.AttachGID(5))
	require.NoError(t, tx.AttachGID(5), "same GID twice is a no-op")
	require.Error(t, tx.AttachGID(6))
	assert.Equal(t, GlobalTransactionID(5), tx.GID)
}

func TestServerTransactionIDOrdering(t *testing.T) {
	a := NewServerTransactionID(1, 9)
	b := NewServerTransactionID(2, 1)
	c := NewServerTransactionID(2, 3)

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.Equal(t, "2:3", c.String())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "resent", KindResent.String())
	assert.Equal(t, "sync_write", KindSyncWrite.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}

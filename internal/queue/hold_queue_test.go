package queue

import (
	"errors"
	"testing"

	"github.com/devrev/pairdb/refstore/internal/model"
	"github.com/devrev/pairdb/refstore/internal/util/syncutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoldQueue_ReleasesOnlyWhenEveryReferenceIsConfirmed(t *testing.T) {
	q := NewHoldQueue(nil)
	released := 0
	q.Enqueue([]Hold{
		{ID: "foo", Version: model.VersionMap{"a": 1}},
		{ID: "bar", Version: model.VersionMap{"a": 1}},
	}, func() error { released++; return nil })

	require.NoError(t, q.ProcessReferenceID("foo", model.VersionMap{"a": 1, "b": 1}))
	assert.Equal(t, 0, released)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 0, indexed(q, "foo"), "foo leaves the index once confirmed")
	assert.Equal(t, 1, indexed(q, "bar"))

	// A later record waiting on foo is the only one foo still indexes.
	laterReleased := 0
	q.Enqueue([]Hold{{ID: "foo", Version: model.VersionMap{"a": 2}}}, func() error { laterReleased++; return nil })
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, indexed(q, "foo"))

	require.NoError(t, q.ProcessReferenceID("bar", model.VersionMap{"a": 2}))
	assert.Equal(t, 1, released)
	assert.Equal(t, 1, q.Len(), "only the later record is pending")

	require.NoError(t, q.ProcessReferenceID("foo", model.VersionMap{"a": 2}))
	assert.Equal(t, 1, released)
	assert.Equal(t, 1, laterReleased)
	assert.Equal(t, 0, q.Len())

	// a second confirmation finds nothing to release
	require.NoError(t, q.ProcessReferenceID("bar", model.VersionMap{"a": 3}))
	assert.Equal(t, 1, released)
}

// indexed counts the records waiting on id
func indexed(q *HoldQueue, id model.ReferenceID) int {
	return syncutil.Extract(q.state, func(s *holdState) int { return len(s.queue[id]) })
}

func TestHoldQueue_UnknownIDIsNoop(t *testing.T) {
	q := NewHoldQueue(nil)
	assert.NoError(t, q.ProcessReferenceID("nobody", model.VersionMap{"a": 1}))
}

func TestHoldQueue_UnsatisfiedConfirmation(t *testing.T) {
	tests := []struct {
		name         string
		opts         []HoldOption
		wantReleased int
	}{
		{name: "dropped by default", wantReleased: 0},
		{name: "retained on request", opts: []HoldOption{RetainUnsatisfied()}, wantReleased: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewHoldQueue(nil, tt.opts...)
			released := 0
			q.Enqueue([]Hold{{ID: "foo", Version: model.VersionMap{"a": 2}}},
				func() error { released++; return nil })

			require.NoError(t, q.ProcessReferenceID("foo", model.VersionMap{"a": 1}))
			assert.Equal(t, 0, released)

			require.NoError(t, q.ProcessReferenceID("foo", model.VersionMap{"a": 2}))
			assert.Equal(t, tt.wantReleased, released)
		})
	}
}

func TestHoldQueue_RemoveFromQueue(t *testing.T) {
	q := NewHoldQueue(nil)
	released := false
	id := q.Enqueue([]Hold{{ID: "foo", Version: model.VersionMap{"a": 1}}},
		func() error { released = true; return nil })

	q.RemoveFromQueue(id)
	assert.Equal(t, 0, q.Len())

	require.NoError(t, q.ProcessReferenceID("foo", model.VersionMap{"a": 1}))
	assert.False(t, released)
}

func TestHoldQueue_ReleaseErrorsAndPanicsAreCombined(t *testing.T) {
	q := NewHoldQueue(nil)
	ran := 0
	q.Enqueue([]Hold{{ID: "foo", Version: model.VersionMap{"a": 1}}},
		func() error { ran++; return errors.New("boom") })
	q.Enqueue([]Hold{{ID: "foo", Version: model.VersionMap{"a": 1}}},
		func() error { ran++; panic("kaboom") })
	q.Enqueue([]Hold{{ID: "foo", Version: model.VersionMap{"a": 1}}},
		func() error { ran++; return nil })

	err := q.ProcessReferenceID("foo", model.VersionMap{"a": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, 3, ran)
}

func TestHoldQueue_ReleaseMayReenter(t *testing.T) {
	q := NewHoldQueue(nil)
	var order []string
	q.Enqueue([]Hold{{ID: "foo", Version: model.VersionMap{"a": 1}}}, func() error {
		order = append(order, "first")
		q.Enqueue([]Hold{{ID: "foo", Version: model.VersionMap{"a": 1}}}, func() error {
			order = append(order, "second")
			return nil
		})
		return nil
	})

	require.NoError(t, q.ProcessReferenceID("foo", model.VersionMap{"a": 1}))
	require.NoError(t, q.ProcessReferenceID("foo", model.VersionMap{"a": 1}))
	assert.Equal(t, []string{"first", "second"}, order)
}

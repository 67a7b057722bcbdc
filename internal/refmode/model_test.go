package refmode

import (
	"testing"

	"github.com/devrev/pairdb/refstore/internal/crdt"
	"github.com/devrev/pairdb/refstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelBridging(t *testing.T) {
	proxy := NewData(KindSet, crdt.NewData[model.RawEntity]())
	proxy.Version = model.VersionMap{"A": 2}
	proxy.Values["x"] = crdt.DataValue[model.RawEntity]{Version: model.VersionMap{"A": 1}, Value: entity("x")}
	proxy.Values["y"] = crdt.DataValue[model.RawEntity]{Version: model.VersionMap{"A": 2}, Value: entity("y")}

	refs := ToReferenceData(proxy, backingKey, func(e model.RawEntity) model.VersionMap {
		return model.VersionMap{"store": int64(len(e.ID))}
	})
	require.Len(t, refs.Values, 2)
	assert.Equal(t, KindSet, refs.Kind)
	assert.Equal(t, model.VersionMap{"A": 2}, refs.Version)
	assert.Equal(t, model.VersionMap{"A": 1}, refs.Values["x"].Version)
	assert.Equal(t, model.VersionMap{"store": 1}, refs.Values["x"].Value.Version)
	assert.Equal(t, backingKey, refs.Values["y"].Value.StorageKey)

	back := ToEntityData(refs, func(id model.ReferenceID) (model.RawEntity, bool) {
		if id == "x" {
			return entity("x"), true
		}
		return model.RawEntity{}, false
	})
	assert.Equal(t, "value-x", back.Values["x"].Value.Singletons["name"])
	assert.True(t, back.Values["y"].Value.IsEmpty(), "unresolved references become empty entities")
	assert.Equal(t, "y", back.Values["y"].Value.ID)
	assert.True(t, back.Data.Equal(proxy.Data))
}

func TestPendingReferences(t *testing.T) {
	data := NewData(KindSet, crdt.NewData[model.Reference]())
	add := func(id string, version model.VersionMap) {
		data.Values[id] = crdt.DataValue[model.Reference]{
			Version: model.VersionMap{"A": 1},
			Value:   model.NewReference(id, backingKey, version),
		}
	}
	add("confirmed", model.VersionMap{"store": 1})
	add("behind", model.VersionMap{"store": 3})
	add("unknown", model.VersionMap{"store": 1})
	add("fresh", model.VersionMap{})

	confirmed := map[string]model.VersionMap{
		"confirmed": {"store": 2},
		"behind":    {"store": 2},
	}
	pending := PendingReferences(data, func(id model.ReferenceID) model.VersionMap { return confirmed[id] })

	var ids []string
	for _, ref := range pending {
		ids = append(ids, ref.ID)
	}
	assert.Equal(t, []string{"behind", "unknown"}, ids)

	assert.False(t, IsPending(data.Values["confirmed"].Value, confirmed["confirmed"]))
	assert.True(t, IsPending(data.Values["behind"].Value, confirmed["behind"]))
}

package refmode

import (
	"slices"

	"github.com/devrev/pairdb/refstore/internal/crdt"
	"github.com/devrev/pairdb/refstore/internal/model"
)

// VersionOf returns the backing-store version a reference to entity should carry
type VersionOf func(entity model.RawEntity) model.VersionMap

// ToReferenceData converts a proxy model into container data. Member versions and the
// container clock are kept; each reference carries versionOf(entity), or the member
// version when versionOf is nil.
func ToReferenceData(data *Data[model.RawEntity], storageKey model.StorageKey, versionOf VersionOf) *Data[model.Reference] {
	out := &Data[model.Reference]{
		Kind: data.Kind,
		Data: crdt.Data[model.Reference]{
			Version: data.Version.Copy(),
			Values:  make(map[model.ReferenceID]crdt.DataValue[model.Reference], len(data.Values)),
		},
	}
	for id, dv := range data.Values {
		version := dv.Version
		if versionOf != nil {
			version = versionOf(dv.Value)
		}
		out.Values[id] = crdt.DataValue[model.Reference]{
			Version: dv.Version.Copy(),
			Value:   model.NewReference(id, storageKey, version),
		}
	}
	return out
}

// ToEntityData converts container data into a proxy model by resolving each reference.
// References that cannot be resolved become empty entities with the same id.
func ToEntityData(data *Data[model.Reference], resolve func(id model.ReferenceID) (model.RawEntity, bool)) *Data[model.RawEntity] {
	out := &Data[model.RawEntity]{
		Kind: data.Kind,
		Data: crdt.Data[model.RawEntity]{
			Version: data.Version.Copy(),
			Values:  make(map[model.ReferenceID]crdt.DataValue[model.RawEntity], len(data.Values)),
		},
	}
	for id, dv := range data.Values {
		entity, ok := resolve(id)
		if !ok {
			entity = model.NewRawEntity(id)
		}
		out.Values[id] = crdt.DataValue[model.RawEntity]{
			Version: dv.Version.Copy(),
			Value:   entity,
		}
	}
	return out
}

// PendingReferences lists the references in data that the backing store has not yet
// confirmed at a dominating version. References at an empty version are never pending.
func PendingReferences(data *Data[model.Reference], confirmed func(id model.ReferenceID) model.VersionMap) []model.Reference {
	var pending []model.Reference
	ids := make([]model.ReferenceID, 0, len(data.Values))
	for id := range data.Values {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		ref := data.Values[id].Value
		if ref.Version.IsEmpty() {
			continue
		}
		if confirmed(id).DoesNotDominate(ref.Version) {
			pending = append(pending, ref)
		}
	}
	return pending
}

// IsPending reports whether a single reference still waits on the backing store
func IsPending(ref model.Reference, confirmed model.VersionMap) bool {
	return !ref.Version.IsEmpty() && confirmed.DoesNotDominate(ref.Version)
}

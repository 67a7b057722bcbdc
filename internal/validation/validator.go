package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/refstore/internal/crdt"
	"github.com/devrev/pairdb/refstore/internal/errors"
	"github.com/devrev/pairdb/refstore/internal/model"
	"github.com/devrev/pairdb/refstore/internal/refmode"
)

const (
	// Size limits
	MaxEntityIDSize   = 1024             // 1 KB
	MaxFieldNameSize  = 256              // 256 bytes
	MaxFieldValueSize = 1 * 1024 * 1024  // 1 MB
	MaxEntitySize     = 10 * 1024 * 1024 // 10 MB

	// Version map limits
	MaxVersionMapEntries = 1000
	MaxActorSize         = 128
)

// Validator validates proxy messages before they reach the engine
type Validator struct {
	maxEntityIDSize   int
	maxFieldValueSize int
	maxEntitySize     int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxEntityIDSize:   MaxEntityIDSize,
		maxFieldValueSize: MaxFieldValueSize,
		maxEntitySize:     MaxEntitySize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxEntityIDSize, maxFieldValueSize, maxEntitySize int) *Validator {
	return &Validator{
		maxEntityIDSize:   maxEntityIDSize,
		maxFieldValueSize: maxFieldValueSize,
		maxEntitySize:     maxEntitySize,
	}
}

// ValidateMessage validates every entity, actor and clock carried by msg
func (v *Validator) ValidateMessage(msg refmode.EntityMessage) error {
	switch msg.Type {
	case refmode.MessageOperations:
		for _, op := range msg.Operations {
			if err := v.ValidateOperation(op); err != nil {
				return err
			}
		}
	case refmode.MessageModelUpdate:
		if msg.Model == nil {
			return nil
		}
		if err := v.ValidateVersionMap(msg.Model.Version); err != nil {
			return err
		}
		for id, dv := range msg.Model.Values {
			if dv.Value.ID != id {
				return errors.InvalidArgument(
					fmt.Sprintf("model entry %q holds entity %q", id, dv.Value.ID),
					nil,
				)
			}
			if err := v.ValidateEntity(dv.Value); err != nil {
				return err
			}
			if err := v.ValidateVersionMap(dv.Version); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateOperation validates an entity-typed operation
func (v *Validator) ValidateOperation(op crdt.Operation[model.RawEntity]) error {
	if err := v.ValidateActor(op.Actor); err != nil {
		return err
	}
	if err := v.ValidateVersionMap(op.Clock); err != nil {
		return err
	}
	if op.Kind.HasValue() {
		return v.ValidateEntity(op.Value)
	}
	return nil
}

// ValidateEntity validates an entity id and its field sizes
func (v *Validator) ValidateEntity(entity model.RawEntity) error {
	if err := v.ValidateEntityID(entity.ID); err != nil {
		return err
	}

	total := len(entity.ID)
	for name, value := range entity.Singletons {
		if err := v.validateField(name, len(value)); err != nil {
			return err
		}
		total += len(name) + len(value)
	}
	for name, values := range entity.Collections {
		size := 0
		for _, value := range values {
			size += len(value)
		}
		if err := v.validateField(name, size); err != nil {
			return err
		}
		total += len(name) + size
	}

	if total > v.maxEntitySize {
		return errors.ValueTooLarge(entity.ID, total, v.maxEntitySize)
	}
	return nil
}

func (v *Validator) validateField(name string, size int) error {
	if name == "" {
		return errors.InvalidArgument("field name cannot be empty", nil)
	}
	if len(name) > MaxFieldNameSize {
		return errors.InvalidArgument(
			fmt.Sprintf("field name exceeds maximum size of %d bytes", MaxFieldNameSize),
			nil,
		)
	}
	if size > v.maxFieldValueSize {
		return errors.ValueTooLarge(name, size, v.maxFieldValueSize)
	}
	return nil
}

// ValidateEntityID validates an entity id
func (v *Validator) ValidateEntityID(id model.ReferenceID) error {
	// Check if empty
	if id == "" {
		return errors.InvalidArgument("entity ID cannot be empty", nil)
	}

	// Check size
	if len(id) > v.maxEntityIDSize {
		return errors.InvalidArgument(
			fmt.Sprintf("entity ID exceeds maximum size of %d bytes", v.maxEntityIDSize),
			nil,
		)
	}

	// Check for control characters and null bytes
	for _, r := range id {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("entity ID cannot contain control characters", nil).
				WithDetail("entity_id", SanitizeEntityID(id))
		}
	}

	return nil
}

// ValidateActor validates an actor name
func (v *Validator) ValidateActor(actor model.Actor) error {
	if actor == "" {
		return errors.InvalidArgument("actor cannot be empty", nil)
	}
	if len(actor) > MaxActorSize {
		return errors.InvalidArgument(
			fmt.Sprintf("actor exceeds maximum size of %d bytes", MaxActorSize),
			nil,
		)
	}
	if strings.Contains(actor, "\x00") {
		return errors.InvalidArgument("actor cannot contain null bytes", nil)
	}
	return nil
}

// ValidateVersionMap validates a version map
func (v *Validator) ValidateVersionMap(vm model.VersionMap) error {
	// Check number of entries
	if len(vm) > MaxVersionMapEntries {
		return errors.InvalidArgument(
			fmt.Sprintf("version map has too many entries: %d > %d", len(vm), MaxVersionMapEntries),
			nil,
		)
	}

	for _, actor := range vm.Actors() {
		if err := v.ValidateActor(actor); err != nil {
			return err
		}

		// Counters should be non-negative
		if vm[actor] < 0 {
			return errors.InvalidArgument(
				fmt.Sprintf("version map entry %s has negative counter: %d", actor, vm[actor]),
				nil,
			)
		}
	}

	return nil
}

// SanitizeEntityID removes control characters and trims the id to the maximum size
func SanitizeEntityID(id string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, id)

	sanitized = strings.TrimSpace(sanitized)

	if len(sanitized) > MaxEntityIDSize {
		sanitized = sanitized[:MaxEntityIDSize]
	}

	return sanitized
}

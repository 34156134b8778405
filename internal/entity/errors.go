package entity

import "errors"

// Domain errors for the entity package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, entity.ErrUnknownEntity) {
//	    // handle not found case
//	}
var (
	// ErrInvalidTopicID is returned when a topic identifier is malformed.
	ErrInvalidTopicID = errors.New("entity: invalid topic identifier")

	// ErrUnknownEntity is returned when a topic identifier does not exist in the store.
	ErrUnknownEntity = errors.New("entity: unknown entity")

	// ErrUnknownParent is returned when a referenced parent does not exist.
	ErrUnknownParent = errors.New("entity: unknown parent")

	// ErrParentIsService is returned when an entity's parent would be a service.
	// Only devices may own children.
	ErrParentIsService = errors.New("entity: parent cannot be a service")

	// ErrSelfParent is returned when an entity would become its own parent.
	ErrSelfParent = errors.New("entity: entity cannot be its own parent")

	// ErrCycle is returned when a registration would make the parent graph cyclic.
	ErrCycle = errors.New("entity: parent relationship would create a cycle")

	// ErrDescendantCycle is returned when re-parenting an entity under one of
	// its own descendants.
	ErrDescendantCycle = errors.New("entity: new parent is a descendant of the entity")

	// ErrMainDeviceParent is returned when attempting to assign a parent to
	// the main device. The main device is the tree root and has none.
	ErrMainDeviceParent = errors.New("entity: main device cannot have a parent")

	// ErrMainDeviceExists is returned when registering a second main device.
	ErrMainDeviceExists = errors.New("entity: a main device is already registered")

	// ErrNoMainDevice is returned when an operation needs the tree root but
	// no main device has been registered yet.
	ErrNoMainDevice = errors.New("entity: no main device registered")

	// ErrTypeMismatch is returned when re-registering an existing topic
	// identifier with different attributes.
	ErrTypeMismatch = errors.New("entity: already registered with different attributes")

	// ErrInvalidType is returned when an entity type value is not recognised.
	ErrInvalidType = errors.New("entity: invalid type")

	// ErrInvalidTwinKey is returned when a twin key is empty, contains a
	// slash, or starts with the reserved '@' prefix.
	ErrInvalidTwinKey = errors.New("entity: invalid twin key")

	// ErrInvalidTwinValue is returned when a twin value is not valid JSON.
	ErrInvalidTwinValue = errors.New("entity: invalid twin value")

	// ErrInvalidHealthEndpoint is returned when a health endpoint does not
	// reference a known service entity.
	ErrInvalidHealthEndpoint = errors.New("entity: health endpoint must reference a service")
)

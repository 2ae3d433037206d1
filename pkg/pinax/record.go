// Package pinax defines the PINAX metadata record (spec §3/§6), the pure
// validator, and the normalization helpers used by the extractor.
package pinax

// DCMIType is one of the 12 fixed resource-type values.
type DCMIType string

// The 12 canonical DCMI types.
const (
	TypeCollection          DCMIType = "Collection"
	TypeDataset             DCMIType = "Dataset"
	TypeEvent               DCMIType = "Event"
	TypeImage               DCMIType = "Image"
	TypeInteractiveResource DCMIType = "InteractiveResource"
	TypeMovingImage         DCMIType = "MovingImage"
	TypePhysicalObject      DCMIType = "PhysicalObject"
	TypeService             DCMIType = "Service"
	TypeSoftware            DCMIType = "Software"
	TypeSound               DCMIType = "Sound"
	TypeStillImage           DCMIType = "StillImage"
	TypeText                DCMIType = "Text"
)

// CanonicalTypes lists every valid DCMI type, in declaration order.
var CanonicalTypes = []DCMIType{
	TypeCollection, TypeDataset, TypeEvent, TypeImage, TypeInteractiveResource,
	TypeMovingImage, TypePhysicalObject, TypeService, TypeSoftware, TypeSound,
	TypeStillImage, TypeText,
}

// RawRecord is the PINAX metadata record (spec §3). It stays a map rather
// than a struct because the record's shape is caller-extensible: API clients
// supply arbitrary "overrides" (pkg/api/handlers.go) that get merged in
// verbatim before validation, and the "string or non-empty list" contract
// on creator/place (spec §3) is normalized ad hoc against the map in
// postProcess/Validate rather than through a marshaler, so a fixed struct
// would have to grow an escape hatch for exactly the fields it tries to
// pin down.
type RawRecord map[string]any

package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Registration.
	ErrZoneConflict  = "E_ZONE_CONFLICT"
	ErrNotRegistered = "E_NOT_REGISTERED"

	// Reporting.
	ErrBadSnapshot = "E_BAD_SNAPSHOT"
	ErrStaleStep   = "E_STALE_STEP"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrZoneConflict:    {},
	ErrNotRegistered:   {},
	ErrBadSnapshot:     {},
	ErrStaleStep:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

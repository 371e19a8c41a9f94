package wire

import "reflect"

// sliceAddr returns the backing array's address, or 0 if s is empty (an
// empty slice's identity doesn't matter for cycle detection).
func sliceAddr(s []any) uintptr {
	if len(s) == 0 {
		return 0
	}
	return reflect.ValueOf(s).Pointer()
}

// mapAddr returns the map header's address, or 0 if m is nil/empty.
func mapAddr(m map[string]any) uintptr {
	if len(m) == 0 {
		return 0
	}
	return reflect.ValueOf(m).Pointer()
}

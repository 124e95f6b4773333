// Package nilcheck detects nil values hidden inside non-nil interfaces.
package nilcheck

import "reflect"

// Interface reports whether value is nil, including typed-nil pointers
// stored in an interface.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	rv := reflect.ValueOf(value)

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}

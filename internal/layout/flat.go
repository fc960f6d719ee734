// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package layout checks that a type is safe to place directly in shared
// memory, shared between shmring and shmmap.
package layout

import "reflect"

// AssertFlat panics if T is not a fixed-size value with no pointers, slices,
// maps, channels, interfaces, strings or funcs. The original implementation
// enforced the equivalent constraint at compile time with
// static_assert(std::is_trivially_copyable); Go generics have no such
// facility, so this is checked at run time, via reflection, by every
// constructor that places a T in shared memory.
func AssertFlat[T any]() {
	var zero T
	if !IsFlat(reflect.TypeOf(zero)) {
		panic("tachyon: type parameter must be a fixed-size, pointer-free value (no pointers, slices, maps, strings, interfaces, channels, or funcs)")
	}
}

func IsFlat(t reflect.Type) bool {
	if t == nil {
		// T was an interface type instantiated with no concrete value; reject,
		// since a shared-memory slot cannot describe an interface's layout.
		return false
	}
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Array:
		return IsFlat(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !IsFlat(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

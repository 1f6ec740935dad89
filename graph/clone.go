package graph

import "reflect"

// cloneValue returns a deep copy of v for storing in or restoring from a
// checkpoint.
//
// Maps, slices, arrays, pointers, interfaces and the exported fields of
// structs are copied recursively. Unexported struct fields are copied by
// value, so a time.Time or a struct holding a private pointer keeps its
// contents. Channels and functions are shared. Cycles and shared references
// are preserved within one call.
func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	c := cloner{seen: make(map[cloneKey]reflect.Value)}
	return c.copy(reflect.ValueOf(v)).Interface()
}

// cloneValues deep-copies every element of vs.
func cloneValues(vs []any) []any {
	if vs == nil {
		return nil
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = cloneValue(v)
	}
	return out
}

type cloneKey struct {
	ptr uintptr
	typ reflect.Type
	len int
}

type cloner struct {
	seen map[cloneKey]reflect.Value
}

func (c *cloner) copy(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Type()).Elem()
		out.Set(c.copy(rv.Elem()))
		return out

	case reflect.Pointer:
		if rv.IsNil() {
			return rv
		}
		key := cloneKey{ptr: rv.Pointer(), typ: rv.Type()}
		if done, ok := c.seen[key]; ok {
			return done
		}
		out := reflect.New(rv.Type().Elem())
		c.seen[key] = out
		out.Elem().Set(c.copy(rv.Elem()))
		return out

	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		key := cloneKey{ptr: rv.Pointer(), typ: rv.Type()}
		if done, ok := c.seen[key]; ok {
			return done
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		c.seen[key] = out
		it := rv.MapRange()
		for it.Next() {
			out.SetMapIndex(c.copy(it.Key()), c.copy(it.Value()))
		}
		return out

	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		key := cloneKey{ptr: rv.Pointer(), typ: rv.Type(), len: rv.Len()}
		if done, ok := c.seen[key]; ok {
			return done
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		c.seen[key] = out
		for i := range rv.Len() {
			out.Index(i).Set(c.copy(rv.Index(i)))
		}
		return out

	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := range rv.Len() {
			out.Index(i).Set(c.copy(rv.Index(i)))
		}
		return out

	case reflect.Struct:
		out := reflect.New(rv.Type()).Elem()
		out.Set(rv)
		for i := range rv.NumField() {
			if !rv.Type().Field(i).IsExported() {
				continue
			}
			out.Field(i).Set(c.copy(rv.Field(i)))
		}
		return out

	default:
		return rv
	}
}

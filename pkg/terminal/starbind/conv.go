package starbind

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/letoram/lldb/pkg/proc"
)

// toStarlarkValue converts a Go value into a starlark.Value. Structs
// become starlark structs with snake_case field names, slices become
// lists.
func toStarlarkValue(v interface{}) starlark.Value {
	switch v := v.(type) {
	case starlark.Value:
		return v
	case uint8:
		return starlark.MakeUint64(uint64(v))
	case uint16:
		return starlark.MakeUint64(uint64(v))
	case uint32:
		return starlark.MakeUint64(uint64(v))
	case uint64:
		return starlark.MakeUint64(v)
	case uint:
		return starlark.MakeUint64(uint64(v))
	case int8:
		return starlark.MakeInt64(int64(v))
	case int16:
		return starlark.MakeInt64(int64(v))
	case int32:
		return starlark.MakeInt64(int64(v))
	case int64:
		return starlark.MakeInt64(v)
	case int:
		return starlark.MakeInt(v)
	case bool:
		return starlark.Bool(v)
	case string:
		return starlark.String(v)
	case []byte:
		return starlark.Bytes(v)
	case nil:
		return starlark.None
	case error:
		return starlark.String(v.Error())
	case fmt.Stringer:
		if reflect.TypeOf(v).Kind() != reflect.Struct {
			return starlark.String(v.String())
		}
	}

	vval := reflect.ValueOf(v)
	switch vval.Kind() {
	case reflect.Ptr:
		if vval.IsNil() {
			return starlark.None
		}
		return toStarlarkValue(vval.Elem().Interface())
	case reflect.Struct:
		d := starlark.StringDict{}
		for i := 0; i < vval.NumField(); i++ {
			f := vval.Type().Field(i)
			if f.PkgPath != "" {
				continue
			}
			d[snakeCase(f.Name)] = toStarlarkValue(vval.Field(i).Interface())
		}
		return starlarkstruct.FromStringDict(starlark.String(snakeCase(vval.Type().Name())), d)
	case reflect.Slice, reflect.Array:
		elems := make([]starlark.Value, vval.Len())
		for i := range elems {
			elems[i] = toStarlarkValue(vval.Index(i).Interface())
		}
		return starlark.NewList(elems)
	}
	return starlark.String(fmt.Sprintf("%v", v))
}

// regionValue converts a memory region, its permissions are rendered
// as an "rwx" string.
func regionValue(r proc.MemoryRegionInfo) starlark.Value {
	return starlarkstruct.FromStringDict(starlark.String("region"), starlark.StringDict{
		"start":  starlark.MakeUint64(r.Start),
		"end":    starlark.MakeUint64(r.End),
		"perm":   starlark.String(r.Perm.String()),
		"mapped": starlark.Bool(r.Mapped),
		"path":   starlark.String(r.Path),
		"offset": starlark.MakeUint64(r.Offset),
	})
}

func toAddress(v starlark.Int) (uint64, error) {
	addr, ok := v.Uint64()
	if !ok {
		return 0, fmt.Errorf("address %v out of range", v)
	}
	return addr, nil
}

// snakeCase converts a Go identifier to snake_case, "StopEvent" becomes
// "stop_event" and "PC" becomes "pc".
func snakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

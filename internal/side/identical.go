package side

import (
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// DefaultTimeTolerance absorbs clock and precision differences between
// backends when comparing timestamp fields.
const DefaultTimeTolerance = 10 * time.Minute

// Identical reports whether a and b are semantically equal. Fields whose JSON
// key appears in ignoreKeys are skipped, timestamps within tolerance are
// equal, string slices are compared as sets and nil equals empty.
func Identical(a, b any, ignoreKeys []string, tolerance time.Duration) bool {
	return cmp.Equal(a, b, compareOptions(ignoreKeys, tolerance)...)
}

// Difference returns a human-readable diff of a and b under the same rules as
// [Identical]. It is empty when the two are identical.
func Difference(a, b any, ignoreKeys []string, tolerance time.Duration) string {
	return cmp.Diff(a, b, compareOptions(ignoreKeys, tolerance)...)
}

func compareOptions(ignoreKeys []string, tolerance time.Duration) []cmp.Option {
	return []cmp.Option{
		cmp.FilterPath(ignoredKey(ignoreKeys), cmp.Ignore()),
		cmpopts.EquateApproxTime(tolerance),
		cmpopts.EquateEmpty(),
		cmpopts.SortSlices(func(x, y string) bool { return x < y }),
	}
}

// ignoredKey matches struct fields whose JSON name is in keys.
func ignoredKey(keys []string) func(cmp.Path) bool {
	return func(p cmp.Path) bool {
		if len(keys) == 0 || len(p) < 2 {
			return false
		}
		sf, ok := p.Last().(cmp.StructField)
		if !ok {
			return false
		}
		parent := p.Index(-2).Type()
		if parent.Kind() == reflect.Pointer {
			parent = parent.Elem()
		}
		if parent.Kind() != reflect.Struct {
			return false
		}
		f, ok := parent.FieldByName(sf.Name())
		if !ok {
			return false
		}
		return slices.Contains(keys, FieldKey(f))
	}
}

// FieldKey returns the key a struct field is known by: its JSON name, or the
// Go field name when untagged.
func FieldKey(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return f.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

package configsvc

import (
	"fmt"
	"reflect"
)

// Change is a scalar-value mismatch at path (spec §4.D DIFF).
type Change struct {
	Path string `json:"path"`
	From any    `json:"from"`
	To   any    `json:"to"`
}

// Diff is the field-level comparison of two masked config representations.
type Diff struct {
	Changes              []Change `json:"changes"`
	Added                []string `json:"added"`
	Removed              []string `json:"removed"`
	UnchangedCount       int      `json:"unchanged_count"`
	UnknownFieldsWarning []string `json:"unknown_fields_warning,omitempty"`
}

// diffConfigs recursively compares two masked config maps. Arrays of
// differing length are reported as one opaque change on the parent path
// (spec §4.D: "arrays of differing length are opaque changes on the
// parent path").
func diffConfigs(from, to map[string]any) Diff {
	var d Diff
	diffMaps("", from, to, &d)
	return d
}

func diffMaps(prefix string, from, to map[string]any, d *Diff) {
	for key, fv := range from {
		path := joinPath(prefix, key)
		tv, exists := to[key]
		if !exists {
			d.Removed = append(d.Removed, path)
			continue
		}
		diffValue(path, fv, tv, d)
	}
	for key, tv := range to {
		if _, exists := from[key]; exists {
			continue
		}
		path := joinPath(prefix, key)
		_ = tv
		d.Added = append(d.Added, path)
	}
}

func diffValue(path string, fv, tv any, d *Diff) {
	fm, fIsMap := fv.(map[string]any)
	tm, tIsMap := tv.(map[string]any)
	if fIsMap && tIsMap {
		diffMaps(path, fm, tm, d)
		return
	}

	fa, fIsArr := fv.([]any)
	ta, tIsArr := tv.([]any)
	if fIsArr && tIsArr {
		if len(fa) != len(ta) {
			d.Changes = append(d.Changes, Change{Path: path, From: fa, To: ta})
			return
		}
		for i := range fa {
			diffValue(fmt.Sprintf("%s[%d]", path, i), fa[i], ta[i], d)
		}
		return
	}

	if reflect.DeepEqual(fv, tv) {
		d.UnchangedCount++
		return
	}
	d.Changes = append(d.Changes, Change{Path: path, From: fv, To: tv})
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

package store

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/roach88/kindstore/internal/ident"
	"github.com/roach88/kindstore/internal/index"
	"github.com/roach88/kindstore/internal/ir"
)

// EncodeValue returns the tag and TEXT payload stored for a value.
//
// Literals are canonical JSON (RFC 8785), single references are the 36-char
// uuid and collections are canonical JSON {"refs":[{"uuid","alias"}],"indexes":[...]}.
func EncodeValue(v Value) (Tag, string, error) {
	switch v.Tag {
	case TagLiteral:
		if v.Literal == nil {
			return "", "", fmt.Errorf("encode value: missing literal")
		}
		data, err := ir.MarshalCanonical(v.Literal)
		if err != nil {
			return "", "", fmt.Errorf("encode value: %w", err)
		}
		return TagLiteral, string(data), nil
	case TagRef:
		return TagRef, v.Ref.String(), nil
	case TagRefs:
		data, err := ir.MarshalCanonical(refsToIR(v))
		if err != nil {
			return "", "", fmt.Errorf("encode value: %w", err)
		}
		return TagRefs, string(data), nil
	case TagDeleted:
		return TagDeleted, "", nil
	default:
		return "", "", fmt.Errorf("encode value: unknown tag %q", v.Tag)
	}
}

// DecodeValue parses a stored tag and payload.
func DecodeValue(tag Tag, payload string) (Value, error) {
	switch tag {
	case TagLiteral:
		lit, err := ir.UnmarshalIRValue([]byte(payload))
		if err != nil {
			return Value{}, fmt.Errorf("decode literal: %w", err)
		}
		return Value{Tag: TagLiteral, Literal: lit}, nil
	case TagRef:
		id, err := ident.Parse(payload)
		if err != nil {
			return Value{}, fmt.Errorf("decode ref: %w", err)
		}
		return Value{Tag: TagRef, Ref: id}, nil
	case TagRefs:
		raw, err := ir.UnmarshalIRValue([]byte(payload))
		if err != nil {
			return Value{}, fmt.Errorf("decode refs: %w", err)
		}
		return refsFromIR(raw)
	case TagDeleted:
		return Unset, nil
	default:
		return Value{}, fmt.Errorf("decode value: unknown tag %q", tag)
	}
}

func refsToIR(v Value) ir.IRObject {
	refs := make(ir.IRArray, len(v.Refs))
	for i, r := range v.Refs {
		entry := ir.IRObject{"uuid": ir.IRString(r.ID.String())}
		if r.Alias != "" {
			entry["alias"] = ir.IRString(r.Alias)
		}
		refs[i] = entry
	}
	obj := ir.IRObject{"refs": refs}
	if len(v.Indexes) > 0 {
		specs := make(ir.IRArray, len(v.Indexes))
		for i, s := range v.Indexes {
			specs[i] = s.ToIR()
		}
		obj["indexes"] = specs
	}
	return obj
}

func refsFromIR(raw ir.IRValue) (Value, error) {
	obj, ok := raw.(ir.IRObject)
	if !ok {
		return Value{}, fmt.Errorf("decode refs: expected object, got %s", ir.TypeName(raw))
	}
	v := Value{Tag: TagRefs}
	refs, _ := obj["refs"].(ir.IRArray)
	for i, r := range refs {
		entry, ok := r.(ir.IRObject)
		if !ok {
			return Value{}, fmt.Errorf("decode refs: entry %d is not an object", i)
		}
		idText, _ := entry["uuid"].(ir.IRString)
		id, err := ident.Parse(string(idText))
		if err != nil {
			return Value{}, fmt.Errorf("decode refs: entry %d: %w", i, err)
		}
		alias, _ := entry["alias"].(ir.IRString)
		v.Refs = append(v.Refs, RefEntry{ID: id, Alias: string(alias)})
	}
	specs, _ := obj["indexes"].(ir.IRArray)
	for _, s := range specs {
		spec, err := index.SpecFromIR(s)
		if err != nil {
			return Value{}, fmt.Errorf("decode refs: %w", err)
		}
		v.Indexes = append(v.Indexes, spec)
	}
	return v, nil
}

// Seal computes the digest of a commit. Item and diff order does not matter.
func Seal(c Commit) (string, error) {
	items := slices.Clone(c.Items)
	slices.SortFunc(items, func(a, b ItemRecord) int { return a.ID.Compare(b.ID) })
	diffs := slices.Clone(c.Diffs)
	slices.SortFunc(diffs, compareDiffs)

	itemsIR := make(ir.IRArray, len(items))
	for i, it := range items {
		itemsIR[i] = ir.IRObject{
			"uuid":   ir.IRString(it.ID.String()),
			"status": ir.IRInt(it.Status & Persisted),
			"parent": ir.IRString(it.Parent.String()),
			"name":   ir.IRString(it.Name),
			"kind":   ir.IRString(it.Kind.String()),
		}
	}
	diffsIR := make(ir.IRArray, len(diffs))
	for i, d := range diffs {
		tag, payload, err := EncodeValue(d.Value)
		if err != nil {
			return "", fmt.Errorf("seal commit %d: %w", c.Version, err)
		}
		diffsIR[i] = ir.IRObject{
			"uuid":    ir.IRString(d.Item.String()),
			"attr":    ir.IRString(d.Attr),
			"tag":     ir.IRString(tag),
			"payload": ir.IRString(payload),
		}
	}
	return ir.CommitDigest(ir.IRObject{
		"version":     ir.IRInt(c.Version),
		"base":        ir.IRInt(c.Base),
		"view":        ir.IRString(c.View),
		"committedAt": ir.IRInt(c.At.UnixNano()),
		"items":       itemsIR,
		"diffs":       diffsIR,
	})
}

func compareDiffs(a, b Diff) int {
	if c := a.Item.Compare(b.Item); c != 0 {
		return c
	}
	return cmp.Compare(a.Attr, b.Attr)
}

// ValidateCommit checks the invariants every Backend.Append relies on.
func ValidateCommit(c Commit) error {
	if c.Version <= c.Base {
		return fmt.Errorf("commit version %d must be greater than base %d", c.Version, c.Base)
	}
	seenItems := make(map[ident.UUID]bool, len(c.Items))
	for _, it := range c.Items {
		if it.ID.IsNil() {
			return fmt.Errorf("commit %d: item with nil uuid", c.Version)
		}
		if seenItems[it.ID] {
			return fmt.Errorf("commit %d: item %s written twice", c.Version, it.ID)
		}
		seenItems[it.ID] = true
	}
	type diffKey struct {
		id   ident.UUID
		attr string
	}
	seenDiffs := make(map[diffKey]bool, len(c.Diffs))
	for _, d := range c.Diffs {
		k := diffKey{d.Item, d.Attr}
		if seenDiffs[k] {
			return fmt.Errorf("commit %d: attribute %s.%s written twice", c.Version, d.Item, d.Attr)
		}
		seenDiffs[k] = true
	}
	return nil
}

func latest(asOf int64) int64 {
	if asOf <= 0 {
		return 1<<63 - 1
	}
	return asOf
}

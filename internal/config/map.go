package config

import "strings"

// Map is both a Source, walked recursively, and the Store that Read merges
// into.
type Map map[string]any

func (m Map) Apply(store Store) error {
	return walk(m, store, nil)
}

func walk(m map[string]any, store Store, path []string) error {
	for k, v := range m {
		next := append(append([]string(nil), path...), k)
		if sub, ok := asSection(v); ok {
			if err := walk(sub, store, next); err != nil {
				return err
			}
			continue
		}
		if err := store.Set(next, v); err != nil {
			return err
		}
	}
	return nil
}

func asSection(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case Map:
		return x, true
	case map[string]any:
		return x, true
	default:
		return nil, false
	}
}

func (m Map) Set(path []string, v any) error {
	if len(path) == 0 {
		return EmptyPathError{Value: v}
	}
	cur := map[string]any(m)
	for i, k := range path[:len(path)-1] {
		old, ok := cur[k]
		if !ok {
			sub := make(map[string]any)
			cur[k] = sub
			cur = sub
			continue
		}
		sub, ok := asSection(old)
		if !ok {
			return UnexpectedKeyValueTypeError{Key: strings.Join(path[:i+1], ".")}
		}
		cur = sub
	}
	cur[path[len(path)-1]] = v
	return nil
}

package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// ---------------------------------------------------------
// 过滤条件 (Filter)
// ---------------------------------------------------------

type condOp int

const (
	opEq condOp = iota
	opIn
	opHas
)

// Cond 针对顶层字段的一个条件
type Cond struct {
	field  string
	op     condOp
	values []any
}

// Filter 多个条件取交集，空 Filter 匹配全部文档
type Filter []Cond

// Eq 字段等于 v
func Eq(field string, v any) Cond {
	return Cond{field: field, op: opEq, values: []any{normalize(v)}}
}

// In 字段等于 values 中任意一个
func In(field string, values ...string) Cond {
	c := Cond{field: field, op: opIn}
	for _, v := range values {
		c.values = append(c.values, v)
	}
	return c
}

// Has 数组字段包含 v
func Has(field string, v any) Cond {
	return Cond{field: field, op: opHas, values: []any{normalize(v)}}
}

// idOf 如果 Filter 里有 id 相等条件，返回该 id (存储层可以直接按 key 读取)
func (f Filter) idOf() (string, bool) {
	for _, c := range f {
		if c.field == IDField && c.op == opEq {
			id, ok := c.values[0].(string)
			return id, ok
		}
	}
	return "", false
}

// Match 判断文档是否满足全部条件
func (f Filter) Match(d Doc) bool {
	for _, c := range f {
		v, ok := d[c.field]
		switch c.op {
		case opEq:
			if !ok || !reflect.DeepEqual(v, c.values[0]) {
				return false
			}
		case opIn:
			if !ok || !containsValue(c.values, v) {
				return false
			}
		case opHas:
			arr, _ := v.([]any)
			if !containsValue(arr, c.values[0]) {
				return false
			}
		}
	}
	return true
}

// Sort 排序条件，只支持数字和字符串字段
type Sort struct {
	Field string
	Desc  bool
}

func sortDocs(docs []Doc, sorts []Sort) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range sorts {
			c := compareValues(docs[i][s.Field], docs[j][s.Field])
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case float64:
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		bv, _ := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	}
	return 0
}

// ---------------------------------------------------------
// 更新操作 (Update)
// ---------------------------------------------------------

// Path 字段路径，按段寻址，段内可以出现 "."
type Path []string

// P 构造 Path，例如 P("states", sensorName)
func P(segs ...string) Path { return Path(segs) }

type opKind int

const (
	opSet opKind = iota
	opUnset
	opAddToSet
	opPull
	opPushEach
)

// Op 一个更新操作，语义对应 MongoDB 的 $set/$unset/$addToSet/$pull/$push+$each
type Op struct {
	kind   opKind
	path   Path
	values []any
}

// Update 按顺序应用的一组操作
type Update []Op

func Set(p Path, v any) Op { return Op{kind: opSet, path: p, values: []any{normalize(v)}} }
func Unset(p Path) Op { return Op{kind: opUnset, path: p} }
func AddToSet(p Path, vs ...any) Op { return Op{kind: opAddToSet, path: p, values: normalizeAll(vs)} }
func Pull(p Path, v any) Op { return Op{kind: opPull, path: p, values: []any{normalize(v)}} }
func PushEach(p Path, vs ...any) Op { return Op{kind: opPushEach, path: p, values: normalizeAll(vs)} }

// Strings 把 []string 转成可变参数需要的 []any
func Strings(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// checkImmutable 不允许修改 id 和唯一字段
func (u Update) checkImmutable(spec CollectionSpec) error {
	for _, op := range u {
		if len(op.path) == 0 {
			return ErrBadPath
		}
		if op.path[0] == IDField {
			return fmt.Errorf("%w: %s", ErrImmutableField, IDField)
		}
		for _, f := range spec.Unique {
			if op.path[0] == f {
				return fmt.Errorf("%w: %s", ErrImmutableField, f)
			}
		}
	}
	return nil
}

// Apply 在文档副本上应用更新，返回新文档以及是否有变化
func (u Update) Apply(d Doc) (Doc, bool, error) {
	out := cloneDoc(d)
	for _, op := range u {
		if err := applyOp(out, op); err != nil {
			return nil, false, err
		}
	}
	return out, !reflect.DeepEqual(map[string]any(d), map[string]any(out)), nil
}

func applyOp(d Doc, op Op) error {
	if len(op.path) == 0 {
		return ErrBadPath
	}
	create := op.kind != opUnset && op.kind != opPull
	parent, ok, err := walk(d, op.path[:len(op.path)-1], create)
	if err != nil || !ok {
		return err
	}
	last := op.path[len(op.path)-1]

	switch op.kind {
	case opSet:
		parent[last] = op.values[0]
	case opUnset:
		delete(parent, last)
	case opAddToSet:
		arr, err := arrayAt(parent, last)
		if err != nil {
			return err
		}
		for _, v := range op.values {
			if !containsValue(arr, v) {
				arr = append(arr, v)
			}
		}
		parent[last] = arr
	case opPull:
		arr, err := arrayAt(parent, last)
		if err != nil || arr == nil {
			return err
		}
		kept := make([]any, 0, len(arr))
		for _, v := range arr {
			if !reflect.DeepEqual(v, op.values[0]) {
				kept = append(kept, v)
			}
		}
		parent[last] = kept
	case opPushEach:
		arr, err := arrayAt(parent, last)
		if err != nil {
			return err
		}
		parent[last] = append(arr, op.values...)
	}
	return nil
}

// walk 沿路径找到父对象，create 为 true 时补齐缺失的中间层
func walk(d Doc, segs []string, create bool) (map[string]any, bool, error) {
	cur := map[string]any(d)
	for _, s := range segs {
		next, ok := cur[s]
		if !ok || next == nil {
			if !create {
				return nil, false, nil
			}
			m := map[string]any{}
			cur[s] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil, false, fmt.Errorf("%w: %s is not an object", ErrBadPath, s)
		}
		cur = m
	}
	return cur, true, nil
}

func arrayAt(parent map[string]any, key string) ([]any, error) {
	v, ok := parent[key]
	if !ok || v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an array", ErrBadPath, key)
	}
	return arr, nil
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// Encode 通过 JSON 把结构体转成文档
func Encode(v any) (Doc, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var d Doc
	if err := json.Unmarshal(bytes, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// Decode 把文档解析回结构体
func Decode(d Doc, v any) error {
	bytes, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, v)
}

// normalize 把任意值转成 JSON 解码后的形态，方便和文档里的值比较
func normalize(v any) any {
	bytes, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(bytes, &out); err != nil {
		return v
	}
	return out
}

func normalizeAll(vs []any) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = normalize(v)
	}
	return out
}

func cloneDoc(d Doc) Doc {
	if d == nil {
		return Doc{}
	}
	out, ok := normalize(map[string]any(d)).(map[string]any)
	if !ok {
		return Doc{}
	}
	return out
}

func containsValue(arr []any, v any) bool {
	for _, a := range arr {
		if reflect.DeepEqual(a, v) {
			return true
		}
	}
	return false
}

package types

import "sort"

// Status is the lifecycle state of a single Entry version.
type Status int

const (
	StatusNormal Status = iota
	StatusDeleted
)

// System row coordinates: the engine's monotonic id allocator is persisted
// as an ordinary row in a reserved table so it recovers from the same
// backend the rest of the data lives in.
const (
	SysTable         = "_sys_current_state_"
	SysKeyField      = "_sys_key_"
	SysValueField    = "value"
	SysCurrentIDKey  = "current_id"
)

// TableInfo is a constant descriptor for one logical table: its name, the
// field that identifies a row within the table (the "key field"), and the
// full ordered list of field names a row may carry. TableInfo values are
// shared and never mutated after construction.
type TableInfo struct {
	Name      string
	KeyField  string
	Fields    []string
}

// NewTableInfo builds a TableInfo, ensuring the key field is present in the
// field list.
func NewTableInfo(name, keyField string, fields ...string) *TableInfo {
	found := false
	for _, f := range fields {
		if f == keyField {
			found = true
			break
		}
	}
	if !found {
		fields = append([]string{keyField}, fields...)
	}
	return &TableInfo{Name: name, KeyField: keyField, Fields: fields}
}

// Entry is one row version: a map of field name to value, a monotonic id
// (0 until a commit assigns one), the block number at which it was
// committed, a status, and a force flag telling the backend to retain the
// row even when the cache considers it logically empty.
//
// Entries are logically immutable once ID != 0 and a commit has accepted
// them. Field mutation before commit is permitted by the owning writer,
// but a copy handed across a package boundary (cache <-> backend payload,
// cache <-> caller) must always be a deep copy; see Clone.
type Entry struct {
	Fields map[string]string
	ID     uint64
	Num    uint64
	Status Status
	Force  bool
}

// NewEntry creates an unpersisted (ID == 0) entry.
func NewEntry() *Entry {
	return &Entry{Fields: make(map[string]string)}
}

// Get returns the value of a field, and whether it was present.
func (e *Entry) Get(field string) (string, bool) {
	v, ok := e.Fields[field]
	return v, ok
}

// Set assigns a field value. Only meaningful before the entry has been
// published into a cache slot under a write lock.
func (e *Entry) Set(field, value string) {
	e.Fields[field] = value
}

// Capacity is the cached byte cost of this entry: the sum of every field
// name's length plus its value's length. It stands in for the actual
// on-wire/on-disk size for MRU capacity accounting.
func (e *Entry) Capacity() int64 {
	var total int64
	for k, v := range e.Fields {
		total += int64(len(k)) + int64(len(v))
	}
	return total
}

// Clone returns a deep copy. Every entry that crosses a lock boundary --
// out to a caller, into a commit payload, into a cache slot -- must be a
// Clone, never the original pointer, so that no goroutine can observe a
// mutation made by another.
func (e *Entry) Clone() *Entry {
	fields := make(map[string]string, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	return &Entry{
		Fields: fields,
		ID:     e.ID,
		Num:    e.Num,
		Status: e.Status,
		Force:  e.Force,
	}
}

// Entries is an ordered sequence of Entry, sorted ascending by ID for any
// slot that has been populated from the backend. Duplicate IDs are
// forbidden within one Entries list.
type Entries []*Entry

// Clone returns a deep copy of the whole list.
func (es Entries) Clone() Entries {
	out := make(Entries, len(es))
	for i, e := range es {
		out[i] = e.Clone()
	}
	return out
}

// SortByID sorts the list ascending by ID in place.
func (es Entries) SortByID() {
	sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })
}

// SearchByID binary-searches for the entry with the given id, returning
// its index and true on a match. The receiver must already be sorted by
// ID (SortByID).
func (es Entries) SearchByID(id uint64) (int, bool) {
	i := sort.Search(len(es), func(i int) bool { return es[i].ID >= id })
	if i < len(es) && es[i].ID == id {
		return i, true
	}
	return i, false
}

// TotalCapacity sums Capacity() across the list.
func (es Entries) TotalCapacity() int64 {
	var total int64
	for _, e := range es {
		total += e.Capacity()
	}
	return total
}

// Filter returns a new Entries containing the deep-copied entries that
// match cond. A nil condition matches everything.
func (es Entries) Filter(cond *Condition) Entries {
	out := make(Entries, 0, len(es))
	for _, e := range es {
		if cond == nil || cond.Match(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// ConditionOp is the comparison operator for one Condition clause.
type ConditionOp int

const (
	OpEQ ConditionOp = iota
	OpNE
	OpGT
	OpGE
	OpLT
	OpLE
)

// conditionClause is one "field OP value" comparison. EQ and NE compare
// the strings exactly; ordered operators compare numerically when both
// sides parse as integers and lexically otherwise, matching the loose
// typing of the underlying field storage.
type conditionClause struct {
	field string
	op    ConditionOp
	value string
}

// Condition is a conjunctive predicate (logical AND of its clauses) over
// Entry field values, used to filter reads and to target update/remove
// operations performed by collaborators above the engine.
type Condition struct {
	clauses []conditionClause
}

// NewCondition returns an empty condition; Match returns true against any
// entry until clauses are added.
func NewCondition() *Condition {
	return &Condition{}
}

// EQ adds a field == value clause and returns the receiver for chaining.
func (c *Condition) EQ(field, value string) *Condition {
	c.clauses = append(c.clauses, conditionClause{field, OpEQ, value})
	return c
}

// NE adds a field != value clause.
func (c *Condition) NE(field, value string) *Condition {
	c.clauses = append(c.clauses, conditionClause{field, OpNE, value})
	return c
}

// GT, GE, LT, LE add ordered-comparison clauses. Comparison is numeric
// when both sides parse as base-10 integers, else lexical.
func (c *Condition) GT(field, value string) *Condition {
	c.clauses = append(c.clauses, conditionClause{field, OpGT, value})
	return c
}

func (c *Condition) GE(field, value string) *Condition {
	c.clauses = append(c.clauses, conditionClause{field, OpGE, value})
	return c
}

func (c *Condition) LT(field, value string) *Condition {
	c.clauses = append(c.clauses, conditionClause{field, OpLT, value})
	return c
}

func (c *Condition) LE(field, value string) *Condition {
	c.clauses = append(c.clauses, conditionClause{field, OpLE, value})
	return c
}

// EqualsKey builds the common single-clause condition used by the read
// path's miss-fill: key field equals the requested key.
func EqualsKey(keyField, key string) *Condition {
	return NewCondition().EQ(keyField, key)
}

// Match reports whether entry satisfies every clause.
func (c *Condition) Match(entry *Entry) bool {
	if c == nil {
		return true
	}
	for _, cl := range c.clauses {
		v, ok := entry.Get(cl.field)
		if !ok {
			return false
		}
		if !matchClause(cl, v) {
			return false
		}
	}
	return true
}

func matchClause(cl conditionClause, v string) bool {
	switch cl.op {
	case OpEQ:
		return v == cl.value
	case OpNE:
		return v != cl.value
	default:
		return compareLoose(v, cl.value, cl.op)
	}
}

func compareLoose(v, want string, op ConditionOp) bool {
	vi, vok := parseInt(v)
	wi, wok := parseInt(want)
	var cmp int
	if vok && wok {
		switch {
		case vi < wi:
			cmp = -1
		case vi > wi:
			cmp = 1
		}
	} else {
		switch {
		case v < want:
			cmp = -1
		case v > want:
			cmp = 1
		}
	}
	switch op {
	case OpGT:
		return cmp > 0
	case OpGE:
		return cmp >= 0
	case OpLT:
		return cmp < 0
	case OpLE:
		return cmp <= 0
	}
	return false
}

func parseInt(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	var neg bool
	i := 0
	if s[0] == '-' {
		neg = true
		i = 1
	}
	if i >= len(s) {
		return 0, false
	}
	var n int64
	for ; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, true
}

/*
Package types defines the core data structures used throughout the cache
storage engine.

This package contains the row model shared by every other package: the
versioned Entry, the ordered Entries list, the constant TableInfo
descriptor, and the Condition predicate used to filter reads and target
updates. These types are the vocabulary every other package in this module
is built on.

# Architecture

	┌──────────────────────── ROW MODEL ───────────────────────┐
	│                                                            │
	│  TableInfo (name, key field, field list) -- immutable     │
	│       │                                                    │
	│       ▼                                                    │
	│  Entry { Fields map[string]string, ID, Num, Status, Force }│
	│       │                                                    │
	│       ▼ (ordered by ID, ascending)                        │
	│  Entries []*Entry                                          │
	│                                                            │
	│  Condition: conjunctive equality/range predicate over      │
	│  field values, evaluated by Condition.Match(entry)          │
	└────────────────────────────────────────────────────────────┘

An Entry is logically immutable once ID != 0 and it has been accepted by a
commit; field mutation before commit is permitted by the owning writer, but
published copies must never alias a cache-resident Entry (see
storage.Slot).

# System row

The engine persists its monotonic id allocator as an ordinary row in a
reserved table. The constants SysTable, SysKeyField, SysCurrentIDKey and
SysValueField name that row's shape; see storage.Engine for how it is read
and written.
*/
package types

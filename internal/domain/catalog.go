package domain

import (
	"strings"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindEngineNative
	KindForeignFile
)

func (k Kind) String() string {
	switch k {
	case KindEngineNative:
		return "native"
	case KindForeignFile:
		return "foreign"
	default:
		return "unknown"
	}
}

// NativeEngine is the back-end name recorded in descriptors of tables
// whose rows live in the embedded engine.
const NativeEngine = "CUSTOS"

var foreignEngines = map[string]struct{}{
	"MYISAM":     {},
	"MRG_MYISAM": {},
	"MERGE":      {},
	"CSV":        {},
	"ARCHIVE":    {},
}

func KindOfEngine(engine string) Kind {
	engine = strings.ToUpper(strings.TrimSpace(engine))
	if engine == NativeEngine {
		return KindEngineNative
	}
	if _, ok := foreignEngines[engine]; ok {
		return KindForeignFile
	}
	return KindUnknown
}

// Descriptor is the content of a <table>.frm file.
type Descriptor struct {
	Engine   string    `json:"engine"`
	Database string    `json:"database"`
	Table    string    `json:"table"`
	Created  time.Time `json:"created"`
}

type Table struct {
	Database     string
	Name         string
	Kind         Kind
	Bytes        uint64
	Descriptor   string
	Files        []string
	TriggerFiles []string
	Failed       bool
}

func (t *Table) FullName() string {
	return t.Database + "." + t.Name
}

type Database struct {
	Name   string
	Tables []*Table
	Bytes  uint64
}

type Catalog struct {
	Databases   []*Database
	EngineBytes uint64
	TotalBytes  uint64
}

func (c *Catalog) TableCount() int {
	n := 0
	for _, db := range c.Databases {
		n += len(db.Tables)
	}
	return n
}

const partitionSep = "#P#"

// PartitionTable maps a partition file base such as t1#P#p0 or t1#P#p0#SP#sp1
// to its table. Other bases are returned unchanged.
func PartitionTable(base string) string {
	if i := strings.Index(strings.ToUpper(base), partitionSep); i > 0 {
		return base[:i]
	}
	return base
}

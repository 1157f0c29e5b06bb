// Package types defines the canonical column types shared by every
// connector, the per-backend native type systems mapping onto them, and the
// casting rules used when a value moves between backends.
package types

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/keys"
	"github.com/tabulify/tabulify/pkg/logger"
)

// Type is a canonical column type
type Type int

const (
	Unknown Type = iota
	Varchar
	Char
	Text
	SmallInt
	Integer
	BigInt
	Boolean
	Float
	Double
	Decimal
	Date
	Time
	Timestamp
	Binary
	JSON
)

var typeNames = map[Type]string{
	Unknown:   "unknown",
	Varchar:   "varchar",
	Char:      "char",
	Text:      "text",
	SmallInt:  "smallint",
	Integer:   "integer",
	BigInt:    "bigint",
	Boolean:   "boolean",
	Float:     "float",
	Double:    "double",
	Decimal:   "decimal",
	Date:      "date",
	Time:      "time",
	Timestamp: "timestamp",
	Binary:    "binary",
	JSON:      "json",
}

// SQL type codes (JDBC numbering)
var typeCodes = map[Type]int{
	Unknown:   1111,
	Varchar:   12,
	Char:      1,
	Text:      2005,
	SmallInt:  5,
	Integer:   4,
	BigInt:    -5,
	Boolean:   16,
	Float:     6,
	Double:    8,
	Decimal:   3,
	Date:      91,
	Time:      92,
	Timestamp: 93,
	Binary:    -3,
	JSON:      1111,
}

// aliases maps normalized type names onto canonical types
var aliases = map[string]Type{
	"varchar":                  Varchar,
	"charactervarying":         Varchar,
	"nvarchar":                 Varchar,
	"varchar2":                 Varchar,
	"string":                   Varchar,
	"char":                     Char,
	"character":                Char,
	"nchar":                    Char,
	"bpchar":                   Char,
	"text":                     Text,
	"clob":                     Text,
	"longtext":                 Text,
	"mediumtext":               Text,
	"ntext":                    Text,
	"smallint":                 SmallInt,
	"int2":                     SmallInt,
	"tinyint":                  SmallInt,
	"integer":                  Integer,
	"int":                      Integer,
	"int4":                     Integer,
	"mediumint":                Integer,
	"bigint":                   BigInt,
	"int8":                     BigInt,
	"long":                     BigInt,
	"boolean":                  Boolean,
	"bool":                     Boolean,
	"bit":                      Boolean,
	"float":                    Float,
	"real":                     Float,
	"float4":                   Float,
	"double":                   Double,
	"doubleprecision":          Double,
	"float8":                   Double,
	"decimal":                  Decimal,
	"numeric":                  Decimal,
	"number":                   Decimal,
	"money":                    Decimal,
	"date":                     Date,
	"time":                     Time,
	"timewithouttimezone":      Time,
	"timestamp":                Timestamp,
	"datetime":                 Timestamp,
	"datetime2":                Timestamp,
	"timestampwithouttimezone": Timestamp,
	"timestampwithtimezone":    Timestamp,
	"timestamptz":              Timestamp,
	"binary":                   Binary,
	"varbinary":                Binary,
	"blob":                     Binary,
	"bytea":                    Binary,
	"json":                     JSON,
	"jsonb":                    JSON,
}

// String returns the canonical type name
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Code returns the SQL type code
func (t Type) Code() int {
	return typeCodes[t]
}

// IsNumeric reports whether the type holds numbers
func (t Type) IsNumeric() bool {
	switch t {
	case SmallInt, Integer, BigInt, Float, Double, Decimal:
		return true
	}
	return false
}

// IsCharacter reports whether the type holds text
func (t Type) IsCharacter() bool {
	return t == Varchar || t == Char || t == Text
}

// Parse resolves a type name (canonical or alias, case and separator insensitive)
func Parse(name string) (Type, bool) {
	base, _, _ := ParseNative(name)
	t, ok := aliases[keys.Normalize(base)]
	return t, ok
}

// ParseNative splits a native declaration such as "decimal(10, 2)" into its
// base name, precision and scale. Missing parts are zero.
func ParseNative(declaration string) (base string, precision, scale int) {
	declaration = strings.TrimSpace(declaration)
	open := strings.Index(declaration, "(")
	if open == -1 {
		return declaration, 0, 0
	}
	base = strings.TrimSpace(declaration[:open])
	closing := strings.Index(declaration[open:], ")")
	if closing == -1 {
		return base, 0, 0
	}
	args := strings.Split(declaration[open+1:open+closing], ",")
	if len(args) > 0 {
		precision, _ = strconv.Atoi(strings.TrimSpace(args[0]))
	}
	if len(args) > 1 {
		scale, _ = strconv.Atoi(strings.TrimSpace(args[1]))
	}
	return base, precision, scale
}

// Of infers the canonical type of a Go value. nil is Unknown.
func Of(v any) Type {
	switch v.(type) {
	case string:
		return Varchar
	case int, int64, uint32, uint, uint64:
		return BigInt
	case int32, uint16:
		return Integer
	case int8, int16, uint8:
		return SmallInt
	case float32:
		return Float
	case float64:
		return Double
	case bool:
		return Boolean
	case decimal.Decimal:
		return Decimal
	case time.Time:
		return Timestamp
	case []byte:
		return Binary
	case map[string]any, []any:
		return JSON
	}
	return Unknown
}

// Descriptor describes how a backend stores a canonical type
type Descriptor struct {
	Type             Type
	Name             string // native name used in DDL
	DefaultPrecision int
	MaxPrecision     int
	DefaultScale     int
	MaxScale         int
}

// System is the native type system of one backend
type System struct {
	name   string
	byType map[Type]Descriptor
	byName map[string]Type
}

// NewSystem builds a type system from descriptors. The first descriptor of
// a canonical type is its native DDL mapping; later ones only add names.
func NewSystem(name string, descriptors ...Descriptor) *System {
	s := &System{
		name:   name,
		byType: make(map[Type]Descriptor),
		byName: make(map[string]Type),
	}
	for _, d := range descriptors {
		if _, ok := s.byType[d.Type]; !ok {
			s.byType[d.Type] = d
		}
		s.byName[keys.Normalize(d.Name)] = d.Type
	}
	return s
}

// Name returns the backend name
func (s *System) Name() string {
	return s.name
}

// Canonical maps a native declaration onto a canonical type. Unknown native
// names fall back to the generic alias table, then to Varchar.
func (s *System) Canonical(native string) Type {
	base, _, _ := ParseNative(native)
	if t, ok := s.byName[keys.Normalize(base)]; ok {
		return t
	}
	if t, ok := Parse(base); ok {
		return t
	}
	return Varchar
}

// Descriptor returns the native descriptor of a canonical type
func (s *System) Descriptor(t Type) (Descriptor, bool) {
	d, ok := s.byType[t]
	return d, ok
}

// Clamp bounds precision and scale to what the backend supports. A lossy
// clamp is logged as a warning.
func (s *System) Clamp(column string, t Type, precision, scale int) (int, int) {
	d, ok := s.byType[t]
	if !ok || d.MaxPrecision == 0 {
		return precision, scale
	}
	p, sc := precision, scale
	if p == 0 {
		p = d.DefaultPrecision
	}
	if p > d.MaxPrecision {
		p = d.MaxPrecision
	}
	if sc == 0 && precision == 0 {
		sc = d.DefaultScale
	}
	if sc > d.MaxScale {
		sc = d.MaxScale
	}
	if sc > p && p > 0 {
		sc = p
	}
	if (precision > 0 && p < precision) || sc < scale {
		logger.Get().Warn("precision clamped by backend",
			zap.String("system", s.name),
			zap.String("column", column),
			zap.String("type", t.String()),
			zap.Int("precision", precision),
			zap.Int("scale", scale),
			zap.Int("clamped_precision", p),
			zap.Int("clamped_scale", sc))
	}
	return p, sc
}

// DDL renders the native declaration of a canonical type
func (s *System) DDL(column string, t Type, precision, scale int) string {
	d, ok := s.byType[t]
	if !ok {
		d, ok = s.byType[Varchar]
		if !ok {
			return "varchar"
		}
	}
	if d.MaxPrecision == 0 {
		return d.Name
	}
	p, sc := s.Clamp(column, t, precision, scale)
	if t == Decimal {
		return d.Name + "(" + strconv.Itoa(p) + "," + strconv.Itoa(sc) + ")"
	}
	return d.Name + "(" + strconv.Itoa(p) + ")"
}

// Generic is the type system of schemaless formats (csv, json, yaml, memory)
var Generic = NewSystem("generic",
	Descriptor{Type: Varchar, Name: "varchar"},
	Descriptor{Type: Char, Name: "char"},
	Descriptor{Type: Text, Name: "text"},
	Descriptor{Type: SmallInt, Name: "smallint"},
	Descriptor{Type: Integer, Name: "integer"},
	Descriptor{Type: BigInt, Name: "bigint"},
	Descriptor{Type: Boolean, Name: "boolean"},
	Descriptor{Type: Float, Name: "float"},
	Descriptor{Type: Double, Name: "double"},
	Descriptor{Type: Decimal, Name: "decimal"},
	Descriptor{Type: Date, Name: "date"},
	Descriptor{Type: Time, Name: "time"},
	Descriptor{Type: Timestamp, Name: "timestamp"},
	Descriptor{Type: Binary, Name: "binary"},
	Descriptor{Type: JSON, Name: "json"},
)

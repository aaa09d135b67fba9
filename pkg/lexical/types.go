package lexical

// BuiltinType identifies an XML Schema built-in type that has a canonical
// lexical form different from the default string conversion.
type BuiltinType uint8

const (
	TypeDefault BuiltinType = iota // no special handling

	TypeDateTime
	TypeDate
	TypeTime
	TypeDouble
	TypeFloat
	TypeGDay
	TypeGMonth
	TypeGMonthDay
	TypeGYear
	TypeGYearMonth
	TypeBoolean
	TypeBase64Binary
	TypeHexBinary
)

// builtinTypes maps schema type names to their codes. It is never written to
// after initialization.
var builtinTypes = map[string]BuiltinType{
	"dateTime":     TypeDateTime,
	"date":         TypeDate,
	"time":         TypeTime,
	"double":       TypeDouble,
	"float":        TypeFloat,
	"gDay":         TypeGDay,
	"gMonth":       TypeGMonth,
	"gMonthDay":    TypeGMonthDay,
	"gYear":        TypeGYear,
	"gYearMonth":   TypeGYearMonth,
	"boolean":      TypeBoolean,
	"base64Binary": TypeBase64Binary,
	"hexBinary":    TypeHexBinary,
}

// LookupType returns the code of the named built-in type. Names may carry a
// namespace prefix ("xs:dateTime"). Unknown names map to TypeDefault.
func LookupType(name string) BuiltinType {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == ':' {
			name = name[i+1:]
			break
		}
	}
	return builtinTypes[name]
}

// String returns the schema name of the type.
func (t BuiltinType) String() string {
	for name, code := range builtinTypes {
		if code == t {
			return name
		}
	}
	return "anySimpleType"
}

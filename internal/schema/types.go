package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// Category is the semantic classification of a PostgreSQL type (§4.A).
type Category string

const (
	CategoryBoolean   Category = "boolean"
	CategoryInteger   Category = "integer"
	CategoryFloating  Category = "floating"
	CategoryNumeric   Category = "numeric"
	CategoryText      Category = "text"
	CategoryBytea     Category = "bytea"
	CategoryTimestamp Category = "timestamp"
	CategoryDate      Category = "date"
	CategoryTime      Category = "time"
	CategoryInterval  Category = "interval"
	CategoryUUID      Category = "uuid"
	CategoryJSON      Category = "json"
	CategoryJSONB     Category = "jsonb"
	CategoryArray     Category = "array"
	CategoryEnum      Category = "enum"
	CategoryComposite Category = "composite"
	CategoryDomain    Category = "domain"
	CategoryRange     Category = "range"
	CategoryGeometric Category = "geometric"
	CategoryUnknown   Category = "unknown"
)

// CompositeField is one attribute of a composite TypeDescriptor.
type CompositeField struct {
	Name string
	OID  uint32
}

// TypeDescriptor is the semantic description of one PostgreSQL type OID,
// produced by describe() and held for the lifetime of the SchemaModel that
// built the TypeRegistry.
type TypeDescriptor struct {
	OID          uint32
	Name         string
	Category     Category
	Nullable     bool
	Width        int  // integer bit width, when known (16/32/64)
	Precision    int  // numeric precision
	Scale        int  // numeric scale
	WithTimeZone bool // timestamp(tz) / time(tz)
	Dimensions   int  // array dimensionality
	ElementOID   uint32 // array element type
	BaseOID      uint32 // domain base type
	RangeOID     uint32 // range subtype
	EnumLabels   []string
	Fields       []CompositeField // composite member fields
}

// DecodeError reports a failure converting wire bytes to a value for oid.
type DecodeError struct {
	OID    uint32
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode oid %d: %s", e.OID, e.Reason)
}

// EncodeError reports a value out of domain for the target oid.
type EncodeError struct {
	OID    uint32
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode oid %d: %s", e.OID, e.Reason)
}

// TypeRegistry maps pg_type OIDs to TypeDescriptors. It is rebuilt from each
// SchemaModel (§4.A) so user-defined enums/composites/domains stay current;
// it is never mutated once attached to a published Model.
type TypeRegistry struct {
	byOID map[uint32]*TypeDescriptor
	pgx   *pgtype.Map
}

// NewTypeRegistry builds an empty registry backed by pgx's default type map,
// which already knows the wire format of every built-in scalar/array type.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{byOID: make(map[uint32]*TypeDescriptor), pgx: pgtype.NewMap()}
}

// Register adds or replaces the descriptor for d.OID.
func (r *TypeRegistry) Register(d *TypeDescriptor) {
	r.byOID[d.OID] = d
}

// Describe is a total function: unknown OIDs produce a "unknown" descriptor
// with the raw name preserved (§4.A).
func (r *TypeRegistry) Describe(oid uint32, rawName string) TypeDescriptor {
	if d, ok := r.byOID[oid]; ok {
		return *d
	}
	return TypeDescriptor{OID: oid, Name: rawName, Category: CategoryUnknown}
}

// Decode converts wire bytes for oid into a Go value. Scalars, arrays of
// scalars and composites defer to pgx's codec registry (a descriptor's
// Fields are not consulted here); geometric types and intervals
// decode to the dedicated structs below rather than falling back to
// "unknown", per the geometric-type supplement in SPEC_FULL.md §5.A.
func (r *TypeRegistry) Decode(oid uint32, wire []byte) (any, error) {
	if wire == nil {
		return nil, nil
	}

	d, known := r.byOID[oid]
	if !known {
		var dst any
		if err := r.pgx.Scan(oid, pgtype.TextFormatCode, wire, &dst); err != nil {
			return nil, &DecodeError{OID: oid, Reason: "unregistered type"}
		}
		return dst, nil
	}

	switch d.Category {
	case CategoryInterval:
		return decodeInterval(wire)
	case CategoryGeometric:
		return decodeGeometric(d.Name, wire)
	case CategoryArray:
		elem := r.byOID[d.ElementOID]
		if elem != nil && (elem.Category == CategoryInterval || elem.Category == CategoryGeometric) {
			return nil, &DecodeError{OID: oid, Reason: "arrays of interval/geometric are not supported"}
		}
		var dst []any
		if err := r.pgx.Scan(oid, pgtype.TextFormatCode, wire, &dst); err != nil {
			return nil, &DecodeError{OID: oid, Reason: err.Error()}
		}
		return dst, nil
	default:
		var dst any
		if err := r.pgx.Scan(oid, pgtype.TextFormatCode, wire, &dst); err != nil {
			return nil, &DecodeError{OID: oid, Reason: err.Error()}
		}
		return dst, nil
	}
}

// Encode is the inverse of Decode: it serializes value into the wire-text
// representation appropriate for oid, failing when value is out of domain.
func (r *TypeRegistry) Encode(value any, oid uint32) ([]byte, error) {
	d, known := r.byOID[oid]
	if known {
		switch d.Category {
		case CategoryInterval:
			iv, ok := value.(Interval)
			if !ok {
				return nil, &EncodeError{OID: oid, Reason: "value is not an Interval"}
			}
			return []byte(iv.String()), nil
		case CategoryGeometric:
			s, ok := value.(fmt.Stringer)
			if !ok {
				return nil, &EncodeError{OID: oid, Reason: "value does not implement geometric encoding"}
			}
			return []byte(s.String()), nil
		}
	}

	buf, err := r.pgx.Encode(oid, pgtype.TextFormatCode, value, nil)
	if err != nil {
		return nil, &EncodeError{OID: oid, Reason: err.Error()}
	}
	return buf, nil
}

// Point is a PostgreSQL point (x,y).
type Point struct{ X, Y float64 }

func (p Point) String() string { return fmt.Sprintf("(%g,%g)", p.X, p.Y) }

// Line is a PostgreSQL line through two points.
type Line struct{ A, B Point }

func (l Line) String() string { return fmt.Sprintf("[%s,%s]", l.A, l.B) }

// LineSegment is a PostgreSQL lseg.
type LineSegment struct{ A, B Point }

func (l LineSegment) String() string { return fmt.Sprintf("[%s,%s]", l.A, l.B) }

// Box is a PostgreSQL box, given by two opposite corners.
type Box struct{ A, B Point }

func (b Box) String() string { return fmt.Sprintf("(%s,%s)", b.A, b.B) }

// Path is a PostgreSQL path, open or closed.
type Path struct {
	Points []Point
	Open   bool
}

func (p Path) String() string {
	open, close := "(", ")"
	if p.Open {
		open, close = "[", "]"
	}
	parts := make([]string, len(p.Points))
	for i, pt := range p.Points {
		parts[i] = pt.String()
	}
	return open + strings.Join(parts, ",") + close
}

// Polygon is a PostgreSQL polygon.
type Polygon struct{ Points []Point }

func (p Polygon) String() string {
	parts := make([]string, len(p.Points))
	for i, pt := range p.Points {
		parts[i] = pt.String()
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Circle is a PostgreSQL circle, center plus radius.
type Circle struct {
	Center Point
	Radius float64
}

func (c Circle) String() string { return fmt.Sprintf("<%s,%g>", c.Center, c.Radius) }

// Interval is a PostgreSQL interval, decoded into its calendar components
// rather than collapsed to a single duration (years/months cannot be
// losslessly converted to a fixed duration).
type Interval struct {
	Years, Months, Days           int
	Hours, Minutes                int
	Seconds                       float64
}

func (iv Interval) String() string {
	return fmt.Sprintf("%d years %d mons %d days %02d:%02d:%09.6f",
		iv.Years, iv.Months, iv.Days, iv.Hours, iv.Minutes, iv.Seconds)
}

func decodeInterval(wire []byte) (Interval, error) {
	var iv Interval
	text := string(wire)
	fields := strings.Fields(text)
	for i := 0; i+1 < len(fields); i += 2 {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(fields[i+1], "year"):
			iv.Years = n
		case strings.HasPrefix(fields[i+1], "mon"):
			iv.Months = n
		case strings.HasPrefix(fields[i+1], "day"):
			iv.Days = n
		}
	}
	if len(fields) > 0 {
		last := fields[len(fields)-1]
		if strings.Contains(last, ":") {
			var h, m int
			var s float64
			if _, err := fmt.Sscanf(last, "%d:%d:%f", &h, &m, &s); err == nil {
				iv.Hours, iv.Minutes, iv.Seconds = h, m, s
			}
		}
	}
	return iv, nil
}

func decodeGeometric(typeName string, wire []byte) (any, error) {
	text := strings.Trim(string(wire), " ")
	pts, err := parsePoints(text)
	if err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}

	switch typeName {
	case "point":
		if len(pts) != 1 {
			return nil, &DecodeError{Reason: "point: expected one coordinate pair"}
		}
		return pts[0], nil
	case "line":
		if len(pts) != 2 {
			return nil, &DecodeError{Reason: "line: expected two points"}
		}
		return Line{A: pts[0], B: pts[1]}, nil
	case "lseg":
		if len(pts) != 2 {
			return nil, &DecodeError{Reason: "lseg: expected two points"}
		}
		return LineSegment{A: pts[0], B: pts[1]}, nil
	case "box":
		if len(pts) != 2 {
			return nil, &DecodeError{Reason: "box: expected two points"}
		}
		return Box{A: pts[0], B: pts[1]}, nil
	case "path":
		return Path{Points: pts, Open: strings.HasPrefix(text, "[")}, nil
	case "polygon":
		return Polygon{Points: pts}, nil
	case "circle":
		if len(pts) != 1 {
			return nil, &DecodeError{Reason: "circle: expected center point"}
		}
		idx := strings.LastIndex(text, ",")
		if idx < 0 {
			return nil, &DecodeError{Reason: "circle: missing radius"}
		}
		radiusText := strings.TrimRight(text[idx+1:], ">")
		radius, err := strconv.ParseFloat(radiusText, 64)
		if err != nil {
			return nil, &DecodeError{Reason: "circle: invalid radius"}
		}
		return Circle{Center: pts[0], Radius: radius}, nil
	default:
		return nil, &DecodeError{Reason: "unsupported geometric type " + typeName}
	}
}

// parsePoints extracts every "(x,y)" pair from a geometric literal.
func parsePoints(text string) ([]Point, error) {
	var pts []Point
	for {
		open := strings.IndexByte(text, '(')
		if open < 0 {
			break
		}
		closeIdx := strings.IndexByte(text[open:], ')')
		if closeIdx < 0 {
			return nil, fmt.Errorf("unbalanced parens in geometric literal")
		}
		closeIdx += open
		open += strings.LastIndexByte(text[open:closeIdx], '(')

		pair := text[open+1 : closeIdx]
		parts := strings.SplitN(pair, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed coordinate pair %q", pair)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed x coordinate %q", parts[0])
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed y coordinate %q", parts[1])
		}
		pts = append(pts, Point{X: x, Y: y})
		text = text[closeIdx+1:]
	}
	return pts, nil
}

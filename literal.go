package lessql

// Literal is a raw SQL fragment that passes through value quoting
// untouched, e.g. lessql.Literal("CURRENT_TIMESTAMP").
type Literal string

// String returns the raw fragment.
func (l Literal) String() string {
	return string(l)
}

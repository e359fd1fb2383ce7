package hash

import (
	"strings"
)

// String renders an indented, human readable dump:
//
//	a{unit="mm"} => 7 INT32
//	b +
//	  c => x STRING
func (h *Hash) String() string {
	var sb strings.Builder
	h.format(&sb, 0)
	return sb.String()
}

func (h *Hash) format(sb *strings.Builder, depth int) {
	if h == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	for _, n := range h.nodes {
		sb.WriteString(indent)
		sb.WriteString(n.key)
		if n.attrs.Len() > 0 {
			sb.WriteByte('{')
			i := 0
			for k, v := range n.attrs.All() {
				if i > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(k)
				sb.WriteString(`="`)
				sb.WriteString(Format(v))
				sb.WriteByte('"')
				i++
			}
			sb.WriteByte('}')
		}
		switch v := n.value.(type) {
		case *Hash:
			sb.WriteString(" +\n")
			v.format(sb, depth+1)
		case []*Hash:
			sb.WriteString(" @\n")
			for i, c := range v {
				sb.WriteString(indent)
				sb.WriteString("[")
				sb.WriteString(Format(int64(i)))
				sb.WriteString("]\n")
				c.format(sb, depth+1)
			}
		case *Schema:
			sb.WriteString(" => Schema(")
			sb.WriteString(v.Name)
			sb.WriteString(") SCHEMA\n")
		default:
			sb.WriteString(" => ")
			sb.WriteString(Format(v))
			sb.WriteByte(' ')
			sb.WriteString(n.Type().String())
			sb.WriteByte('\n')
		}
	}
}

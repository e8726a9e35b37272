package repository

import (
	"strconv"
	"strings"
)

// Dialect はSQLの方言。プレースホルダの書式だけが異なる。
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// rebind は "?" プレースホルダを方言に合わせて書き換える。
// PostgreSQLでは $1, $2, ... に置き換える。
func rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

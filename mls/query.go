package mls

import (
	"net/url"
	"strings"
)

type queryParam struct {
	key, value string
}

// query is an ordered list of OData system query options. url.Values would
// sort keys and escape '$' and spaces in ways some OData servers reject.
type query []queryParam

func (q query) Encode() string {
	var b strings.Builder
	for i, p := range q {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(strings.ReplaceAll(url.QueryEscape(p.value), "+", "%20"))
	}
	return b.String()
}

// inFilter renders `field in ('a','b')`, doubling embedded quotes.
func inFilter(field string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return field + " in (" + strings.Join(quoted, ",") + ")"
}

package avriorest

import (
	"regexp"
	"slices"
	"strings"
)

// compatibilityQueries are the probes tools send to check connectivity.
var compatibilityQueries = []string{"select 1", "select 2", "select 3"}

// IsCompatibilityQuery reports whether sql is a connectivity probe or an
// ALTER statement. Such statements bypass the rewrite service.
func IsCompatibilityQuery(sql string) bool {
	normalized := strings.ToLower(strings.Join(strings.Fields(sql), " "))
	if normalized == "" {
		return false
	}
	return slices.Contains(compatibilityQueries, normalized) || strings.HasPrefix(normalized, "alter ")
}

var sqlToken = regexp.MustCompile(`'(?:[^']|'')*'|(?:"[^"]*"|[A-Za-z_][\w$]*)(?:\s*\.\s*(?:"[^"]*"|[A-Za-z_][\w$]*))*|\S`)

var lastIdentifier = regexp.MustCompile(`(?:"[^"]*"|[A-Za-z_][\w$]*)$`)

// fromListEnd are the keywords that close a FROM list.
var fromListEnd = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "HAVING": true, "LIMIT": true,
	"OFFSET": true, "UNION": true, "EXCEPT": true, "INTERSECT": true, "ON": true,
	"USING": true, "WINDOW": true, "FETCH": true, "(": true, ")": true, ";": true,
}

// RemoveSchemaFromQuery drops the schema qualifier of every table named in
// a FROM or JOIN clause when platform is PlatformDataProducts:
// "select * from s1.t1, s2.t2" becomes "select * from t1, t2". Other
// platforms get sql back unchanged.
func RemoveSchemaFromQuery(sql, platform string) string {
	if platform != PlatformDataProducts {
		return sql
	}

	var (
		out         strings.Builder
		last        int
		expectTable bool
		inFromList  bool
	)
	for _, loc := range sqlToken.FindAllStringIndex(sql, -1) {
		tok := sql[loc[0]:loc[1]]
		upper := strings.ToUpper(tok)

		switch {
		case upper == "FROM" || upper == "JOIN":
			expectTable = true
			inFromList = upper == "FROM"
		case tok == "," && inFromList:
			expectTable = true
		case fromListEnd[upper]:
			expectTable = false
			inFromList = false
		case expectTable:
			expectTable = false
			if strings.Contains(tok, ".") && !strings.HasPrefix(tok, "'") {
				out.WriteString(sql[last:loc[0]])
				out.WriteString(lastIdentifier.FindString(tok))
				last = loc[1]
			}
		}
	}
	out.WriteString(sql[last:])
	return out.String()
}

// SPDX-License-Identifier: Apache-2.0

// Package templates renders the delta-capture PL/pgSQL: the store-delta
// trigger function, its trigger, and the apply-delta function, which
// depend on the table's primary-key columns and column list discovered at
// introspection time. The shadow and delta tables are rendered by pkg/ddl.
package templates

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/lib/pq"
)

func executeTemplate(name, content string, cfg any) (string, error) {
	ql := pq.QuoteLiteral
	qi := pq.QuoteIdentifier

	tmpl := template.Must(template.New(name).
		Funcs(template.FuncMap{
			"ql": ql,
			"qi": qi,
			"commaSeparate": func(slice []string) string {
				return strings.Join(slice, ", ")
			},
			"quoteIdentifiers": func(slice []string) []string {
				quoted := make([]string, len(slice))
				for i, s := range slice {
					quoted[i] = qi(s)
				}
				return quoted
			},
			"newColumns": func(slice []string) []string {
				quoted := make([]string, len(slice))
				for i, s := range slice {
					quoted[i] = "r." + qi(s)
				}
				return quoted
			},
			"setClause": func(allColumns, pkColumns []string) string {
				pk := map[string]bool{}
				for _, c := range pkColumns {
					pk[c] = true
				}
				var parts []string
				for _, c := range allColumns {
					if pk[c] {
						continue
					}
					parts = append(parts, qi(c)+" = r."+qi(c))
				}
				return strings.Join(parts, ", ")
			},
			"pkWhereClause": func(pkColumns []string) string {
				parts := make([]string, len(pkColumns))
				for i, c := range pkColumns {
					parts[i] = "t." + qi(c) + " = r." + qi(c)
				}
				return strings.Join(parts, " and ")
			},
		}).
		Parse(content))

	buf := bytes.Buffer{}
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}

	return buf.String(), nil
}

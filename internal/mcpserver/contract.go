package mcpserver

// PredicateFormat describes the JSON predicate form accepted by the
// filter and condition arguments.
const PredicateFormat = `# Drift Predicate Format

Filters and write conditions are JSON objects in one of these shapes.

## Operations

` + "```" + `json
{"field": "rating", "op": "gt", "value": 3}
{"field": "rating", "op": "between", "value": 1, "upper": 5}
{"field": "title", "op": "beginsWith", "value": "Intro"}
` + "```" + `

Supported ` + "`" + `op` + "`" + ` values: eq, ne, lt, le, gt, ge, contains, notContains,
beginsWith, between.

## Groups

` + "```" + `json
{"and": [{"field": "status", "op": "eq", "value": "ACTIVE"}, {"field": "rating", "op": "ge", "value": 4}]}
{"or": [ ... ]}
{"not": {"field": "published", "op": "eq", "value": true}}
{"all": true}
` + "```" + `

## Rules

1. ` + "`" + `field` + "`" + ` is a field name of the queried model, or a belongs-to
   relationship name, which compares against the referenced record id.
2. Comparing against a field the record does not have is false, never an error.
3. Dates, times and timestamps compare as ISO-8601 strings.
4. An empty or missing predicate matches every record.
5. A write ` + "`" + `condition` + "`" + ` must hold for the currently stored record, otherwise
   the write fails with a conflict and nothing changes.

## Sorting and paging

` + "`" + `sort` + "`" + ` is a comma separated field list; prefix a field with ` + "`" + `-` + "`" + ` to sort it
descending (e.g. ` + "`" + `-rating,title` + "`" + `). ` + "`" + `offset` + "`" + ` must be a multiple of ` + "`" + `limit` + "`" + `.
`

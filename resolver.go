/*
 * Copyright 2024 The jmpapi Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package jmpapi

import (
	"fmt"
	"strconv"
	"strings"
)

// resolverScope is the set of namespaces a "{path}" or "{path:fmt}"
// reference may be evaluated against, per spec section 4.7/9.9 glossary:
// args, options, session, group.
type resolverScope struct {
	args    map[string]any
	options map[string]any
	session *Session
}

// resolve walks every "{...}" occurrence in s and replaces it with the
// result of evaluating its path against scope. sqlMode controls how an
// unresolved reference and string-typed values are rendered: in SQL mode
// unknown paths become the literal NULL and strings are quoted per
// ":S"; outside SQL mode unknown paths are left as the literal "{path}"
// text and values are stringified directly. This mirrors the resolver
// described in spec section 4.7, generalized from the teacher's own
// find/hash-based substitution idiom used for cache keys in server.go.
func resolve(s string, scope resolverScope, sqlMode bool) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		start := strings.IndexByte(s[i:], '{')
		if start < 0 {
			b.WriteString(s[i:])
			break
		}
		start += i
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		end += start
		b.WriteString(s[i:start])

		expr := s[start+1 : end]
		path, format, hasFormat := strings.Cut(expr, ":")
		val, ok := lookupPath(scope, path)
		if !ok {
			if sqlMode {
				b.WriteString("NULL")
			} else {
				b.WriteString(s[start : end+1])
			}
			i = end + 1
			continue
		}
		if hasFormat {
			b.WriteString(applyFormat(format, val, sqlMode))
		} else if sqlMode {
			b.WriteString(sqlQuote(val))
		} else {
			b.WriteString(fmt.Sprintf("%v", val))
		}
		i = end + 1
	}
	return b.String()
}

// lookupPath resolves a dotted path like "args.id" or "session.user"
// against the scope. The first path component selects the namespace;
// "group.<name>" reads a boolean from the session's group set.
func lookupPath(scope resolverScope, path string) (any, bool) {
	parts := strings.SplitN(path, ".", 2)
	if len(parts) != 2 {
		return nil, false
	}
	ns, rest := parts[0], parts[1]
	switch ns {
	case "args":
		v, ok := scope.args[rest]
		return v, ok
	case "options":
		v, ok := scope.options[rest]
		return v, ok
	case "session":
		if scope.session == nil {
			return nil, false
		}
		switch rest {
		case "user":
			return scope.session.User, scope.session.User != ""
		case "ip":
			return scope.session.IP, scope.session.IP != ""
		case "id":
			return scope.session.ID, scope.session.ID != ""
		default:
			return scope.session.Get(rest)
		}
	case "group":
		if scope.session == nil {
			return false, true
		}
		return scope.session.Group[rest], true
	}
	return nil, false
}

// applyFormat implements the printf-like ":fmt" grammar, with ":S"
// meaning "SQL string-quoted" regardless of sqlMode.
func applyFormat(format string, val any, sqlMode bool) string {
	if format == "S" {
		return sqlQuote(val)
	}
	// printf-like: treat the format as a single verb, e.g. "%d", "%.2f".
	if strings.HasPrefix(format, "%") {
		return fmt.Sprintf(format, val)
	}
	return fmt.Sprintf("%v", val)
}

// sqlQuote renders val as a SQL literal: numbers and booleans unquoted,
// nil as NULL, everything else single-quoted with embedded quotes doubled
// (the standard SQL-92 escaping PostgreSQL also accepts).
func sqlQuote(val any) string {
	switch v := val.(type) {
	case nil:
		return "NULL"
	case bool:
		return strconv.FormatBool(v)
	case int, int64, uint64, float64:
		return fmt.Sprintf("%v", v)
	default:
		s := fmt.Sprintf("%v", v)
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
}

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

import "strings"

// isGroupTag reports whether name is a group tag (prefixed with "@" or
// "$") rather than a literal user name.
func isGroupTag(name string) (tag string, ok bool) {
	if strings.HasPrefix(name, "@") || strings.HasPrefix(name, "$") {
		return name[1:], true
	}
	return "", false
}

// evaluate walks allow/deny per spec section 4.6: wildcard, explicit user,
// every group the session carries, then the synthesized groups
// "authenticated"/"unauthenticated". Both allow and deny accumulate
// across all of those; the final decision is allowMatched && !denyMatched.
func (ar *AccessRule) evaluate(sess *Session) bool {
	if len(ar.Allow) == 0 && len(ar.Deny) == 0 {
		return true // no rule configured: open
	}

	user := ""
	groups := map[string]bool{}
	if sess != nil {
		user = sess.User
		for g, on := range sess.Group {
			if on {
				groups[g] = true
			}
		}
	}
	authenticated := user != ""
	groups["authenticated"] = authenticated
	groups["unauthenticated"] = !authenticated

	matches := func(list StringList) bool {
		for _, name := range list {
			if name == "*" {
				return true
			}
			if tag, ok := isGroupTag(name); ok {
				if groups[tag] {
					return true
				}
				continue
			}
			if name == user && user != "" {
				return true
			}
		}
		return false
	}

	allowed := len(ar.Allow) == 0 || matches(ar.Allow)
	denied := matches(ar.Deny)
	return allowed && !denied
}

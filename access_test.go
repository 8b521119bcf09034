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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccessRuleNoRuleIsOpen(t *testing.T) {
	var ar AccessRule
	require.True(t, ar.evaluate(nil))
	require.True(t, ar.evaluate(&Session{User: "alice"}))
}

func TestAccessRuleWildcardAllow(t *testing.T) {
	ar := AccessRule{Allow: StringList{"*"}}
	require.True(t, ar.evaluate(nil))
	require.True(t, ar.evaluate(&Session{User: "alice"}))
}

func TestAccessRuleExplicitUser(t *testing.T) {
	ar := AccessRule{Allow: StringList{"alice"}}
	require.True(t, ar.evaluate(&Session{User: "alice"}))
	require.False(t, ar.evaluate(&Session{User: "bob"}))
	require.False(t, ar.evaluate(nil))
}

func TestAccessRuleGroupTag(t *testing.T) {
	ar := AccessRule{Allow: StringList{"@admins"}}
	sess := &Session{User: "alice", Group: map[string]bool{"admins": true}}
	require.True(t, ar.evaluate(sess))

	sess2 := &Session{User: "bob", Group: map[string]bool{"admins": false}}
	require.False(t, ar.evaluate(sess2))
}

func TestAccessRuleAuthenticatedUnauthenticatedTags(t *testing.T) {
	authOnly := AccessRule{Allow: StringList{"$authenticated"}}
	require.True(t, authOnly.evaluate(&Session{User: "alice"}))
	require.False(t, authOnly.evaluate(nil))

	anonOnly := AccessRule{Allow: StringList{"$unauthenticated"}}
	require.True(t, anonOnly.evaluate(nil))
	require.False(t, anonOnly.evaluate(&Session{User: "alice"}))
}

func TestAccessRuleDenyOverridesAllow(t *testing.T) {
	ar := AccessRule{Allow: StringList{"*"}, Deny: StringList{"bob"}}
	require.True(t, ar.evaluate(&Session{User: "alice"}))
	require.False(t, ar.evaluate(&Session{User: "bob"}))
}

func TestAccessRuleDenyGroupTag(t *testing.T) {
	ar := AccessRule{Allow: StringList{"*"}, Deny: StringList{"@banned"}}
	sess := &Session{User: "alice", Group: map[string]bool{"banned": true}}
	require.False(t, ar.evaluate(sess))
}

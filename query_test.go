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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleRows() queryRows {
	return queryRows{
		Columns: []string{"id", "name"},
		Rows:    [][]any{{int64(1), "alice"}, {int64(2), "bob"}},
	}
}

func TestProjectQueryHlistDefault(t *testing.T) {
	v, err := projectQuery(sampleRows(), "", nil)
	require.NoError(t, err)
	hl, ok := v.([]any)
	require.True(t, ok)
	require.Equal(t, []string{"id", "name"}, hl[0])
	require.Len(t, hl, 3)
	require.Equal(t, sampleRows().Rows[0], hl[1])
	require.Equal(t, sampleRows().Rows[1], hl[2])
}

func TestProjectQueryHlistEmptyStillHasHeader(t *testing.T) {
	qr := queryRows{Columns: []string{"id"}}
	v, err := projectQuery(qr, "hlist", nil)
	require.NoError(t, err)
	hl := v.([]any)
	require.Len(t, hl, 1)
	require.Equal(t, []string{"id"}, hl[0])
}

func TestProjectQueryList(t *testing.T) {
	v, err := projectQuery(sampleRows(), "list", nil)
	require.NoError(t, err)
	out := v.([]any)
	require.Len(t, out, 2)
	require.Equal(t, map[string]any{"id": int64(1), "name": "alice"}, out[0])
	require.Equal(t, map[string]any{"id": int64(2), "name": "bob"}, out[1])
}

func TestProjectQueryListSingleColumnIsScalar(t *testing.T) {
	qr := queryRows{Columns: []string{"name"}, Rows: [][]any{{"alice"}, {"bob"}}}
	v, err := projectQuery(qr, "list", nil)
	require.NoError(t, err)
	require.Equal(t, []any{"alice", "bob"}, v)
}

func TestProjectQueryFieldsRejectsSingleResultSetPath(t *testing.T) {
	_, err := projectQuery(sampleRows(), "fields", []string{"name"})
	require.Error(t, err)
}

func TestFieldsShapeAssignsResultSetsToNames(t *testing.T) {
	users := queryRows{Columns: []string{"id", "name"}, Rows: [][]any{{int64(1), "alice"}, {int64(2), "bob"}}}
	total := queryRows{Columns: []string{"count"}, Rows: [][]any{{int64(2)}}}

	v, err := fieldsShape([]queryRows{users, total}, []string{"users", "*summary"})
	require.NoError(t, err)
	out := v.(map[string]any)

	list := out["users"].([]any)
	require.Len(t, list, 2)
	require.Equal(t, map[string]any{"id": int64(1), "name": "alice"}, list[0])

	require.Equal(t, map[string]any{"count": int64(2)}, out["summary"])
}

func TestFieldsShapeStarNameWithNoRowsIsNil(t *testing.T) {
	empty := queryRows{Columns: []string{"count"}}
	v, err := fieldsShape([]queryRows{empty}, []string{"*summary"})
	require.NoError(t, err)
	out := v.(map[string]any)
	require.Nil(t, out["summary"])
}

func TestFieldsShapeMoreNamesThanResultsAreSkipped(t *testing.T) {
	users := queryRows{Columns: []string{"id"}, Rows: [][]any{{int64(1)}}}
	v, err := fieldsShape([]queryRows{users}, []string{"users", "extra"})
	require.NoError(t, err)
	out := v.(map[string]any)
	_, hasExtra := out["extra"]
	require.False(t, hasExtra)
}

func TestSplitStatementsDropsBlankSegments(t *testing.T) {
	stmts := splitStatements("select 1; ;\nselect 2;")
	require.Equal(t, []string{"select 1", " \nselect 2"}, stmts)
}

func TestProjectQueryDict(t *testing.T) {
	v, err := projectQuery(sampleRows(), "dict", nil)
	require.NoError(t, err)
	m := v.(map[string]any)
	require.Equal(t, int64(1), m["id"])
	require.Equal(t, "alice", m["name"])
}

func TestProjectQueryDictNoRows(t *testing.T) {
	_, err := projectQuery(queryRows{Columns: []string{"id"}}, "dict", nil)
	require.Error(t, err)
}

func TestProjectQueryOne(t *testing.T) {
	v, err := projectQuery(sampleRows(), "one", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestProjectQueryBool(t *testing.T) {
	qr := queryRows{Columns: []string{"ok"}, Rows: [][]any{{true}}}
	v, err := projectQuery(qr, "bool", nil)
	require.NoError(t, err)
	require.Equal(t, true, v)
}

func TestProjectQueryU64RejectsNegative(t *testing.T) {
	qr := queryRows{Columns: []string{"n"}, Rows: [][]any{{int64(-1)}}}
	_, err := projectQuery(qr, "u64", nil)
	require.Error(t, err)
}

func TestProjectQueryS64(t *testing.T) {
	qr := queryRows{Columns: []string{"n"}, Rows: [][]any{{int64(-42)}}}
	v, err := projectQuery(qr, "s64", nil)
	require.NoError(t, err)
	require.Equal(t, int64(-42), v)
}

func TestProjectQueryOkShape(t *testing.T) {
	v, err := projectQuery(queryRows{}, "ok", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, v)
}

func TestProjectQueryUnknownShape(t *testing.T) {
	_, err := projectQuery(sampleRows(), "bogus", nil)
	require.Error(t, err)
}

func TestEncodeCSVWritesHeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, encodeCSV(sampleRows(), &buf))
	out := buf.String()
	require.Contains(t, out, "id,name")
	require.Contains(t, out, "alice")
	require.Contains(t, out, "bob")
}

func TestEncodeJSONWritesValue(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, encodeJSON(map[string]any{"a": 1}, &buf))
	require.Contains(t, buf.String(), `"a"`)
}

// Copyright (C) 2022  Nicola Murino
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package webdav

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnv struct {
	tokens map[string]string // uri -> live token
	etags  map[string]string // uri -> etag
}

func (e fakeEnv) hasToken(uri, token string) bool {
	return e.tokens[uri] == token
}

func (e fakeEnv) etag(uri string) string {
	return e.etags[uri]
}

func TestParseIfHeaderSingleUntaggedToken(t *testing.T) {
	h, err := parseIfHeader(`(<opaquelocktoken:abc>)`)
	require.NoError(t, err)
	require.Len(t, h, 1)
	require.Len(t, h[0].Lists, 1)
	require.Len(t, h[0].Lists[0], 1)
	assert.Equal(t, "opaquelocktoken:abc", h[0].Lists[0][0].Token)
	assert.Empty(t, h[0].URI)
}

func TestParseIfHeaderTaggedWithEtagAndNot(t *testing.T) {
	h, err := parseIfHeader(`</a> (Not <opaquelocktoken:abc> ["etag1"])`)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "/a", h[0].URI)
	require.Len(t, h[0].Lists[0], 2)
	assert.True(t, h[0].Lists[0][0].Not)
	assert.Equal(t, "opaquelocktoken:abc", h[0].Lists[0][0].Token)
	assert.Equal(t, `"etag1"`, h[0].Lists[0][1].ETag)
}

func TestParseIfHeaderMultipleListsIsOr(t *testing.T) {
	h, err := parseIfHeader(`(<opaquelocktoken:a>) (<opaquelocktoken:b>)`)
	require.NoError(t, err)
	require.Len(t, h[0].Lists, 2)
}

func TestParseIfHeaderRejectsMalformed(t *testing.T) {
	_, err := parseIfHeader(`(<opaquelocktoken:a>`)
	assert.Error(t, err)

	_, err = parseIfHeader(``)
	assert.Error(t, err)
}

func TestEvalIfHeaderUntaggedDefaultsToRequestURI(t *testing.T) {
	h, err := parseIfHeader(`(<opaquelocktoken:tok>)`)
	require.NoError(t, err)

	env := fakeEnv{tokens: map[string]string{"/req": "opaquelocktoken:tok"}}
	out := evalIfHeader(h, "/req", env)
	require.Contains(t, out, "/req")
	assert.Equal(t, []string{"opaquelocktoken:tok"}, out["/req"])
}

func TestEvalIfHeaderFirstSucceedingListWins(t *testing.T) {
	h, err := parseIfHeader(`(<opaquelocktoken:wrong>) (<opaquelocktoken:right>)`)
	require.NoError(t, err)

	env := fakeEnv{tokens: map[string]string{"/req": "opaquelocktoken:right"}}
	out := evalIfHeader(h, "/req", env)
	assert.Equal(t, []string{"opaquelocktoken:right"}, out["/req"])
}

func TestEvalIfHeaderUnsatisfiedYieldsEmptyMap(t *testing.T) {
	h, err := parseIfHeader(`(<opaquelocktoken:a>)`)
	require.NoError(t, err)

	env := fakeEnv{tokens: map[string]string{}}
	out := evalIfHeader(h, "/req", env)
	assert.Empty(t, out)
}

func TestEvalIfHeaderEtagCondition(t *testing.T) {
	h, err := parseIfHeader(`(["abc"])`)
	require.NoError(t, err)

	env := fakeEnv{etags: map[string]string{"/req": `"abc"`}}
	out := evalIfHeader(h, "/req", env)
	assert.Contains(t, out, "/req")
}

func TestEvalIfHeaderNoLockConditionIsAlwaysFalse(t *testing.T) {
	h, err := parseIfHeader(`(<DAV:no-lock>)`)
	require.NoError(t, err)

	out := evalIfHeader(h, "/req", fakeEnv{})
	assert.Empty(t, out)

	hNot, err := parseIfHeader(`(Not <DAV:no-lock>)`)
	require.NoError(t, err)
	outNot := evalIfHeader(hNot, "/req", fakeEnv{})
	assert.Contains(t, outNot, "/req")
}

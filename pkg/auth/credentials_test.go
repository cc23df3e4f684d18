package auth

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaderBasicRoundTrip(t *testing.T) {
	cred := ParseHeader("Basic " + base64.StdEncoding.EncodeToString([]byte("u:p")))
	assert.Equal(t, Basic("u", "p"), cred)
}

func TestParseHeaderBasicPasswordWithColon(t *testing.T) {
	cred := ParseHeader(BasicHeader("agent", "pa:ss:wd"))
	assert.Equal(t, "agent", cred.Username)
	assert.Equal(t, "pa:ss:wd", cred.Password)
}

func TestParseHeaderBearer(t *testing.T) {
	token, err := BuildToken("u", "hash", 60)
	require.NoError(t, err)
	cred := ParseHeader("Bearer " + token)
	assert.Equal(t, KindBearer, cred.Kind)
	assert.Equal(t, token, cred.Token)
}

func TestParseHeaderFailsSoft(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"no value", "Basic"},
		{"trailing space", "Basic "},
		{"extra space", "Basic abc def"},
		{"unknown scheme", "Digest abc"},
		{"basic not base64", "Basic %%%"},
		{"basic no colon", "Basic " + base64.StdEncoding.EncodeToString([]byte("nocolon"))},
		{"bearer two segments", "Bearer aaaa.bbbb"},
		{"bearer four segments", "Bearer a.b.c.d"},
		{"bearer bad payload", "Bearer eyJh.%%%.sig"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, None(), ParseHeader(tc.header))
		})
	}
}

func TestIsPublic(t *testing.T) {
	assert.True(t, IsPublic("mutation", "users", "register"))
	assert.True(t, IsPublic("mutation", "auth", "login"))
	assert.False(t, IsPublic("query", "users", "get"))
	assert.False(t, IsPublic("mutation", "pipelines", "assign"))
}

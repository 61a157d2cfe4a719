// SPDX-License-Identifier: MIT

package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		id    ID
		want  string
		valid bool
	}{
		{
			name: "plain audience",
			id:   NewID("http", NewAccountID("user123", "example.com")),
			want: "http.user123.example.com",
		},
		{
			name: "dotted audience",
			id:   NewID("web", NewAccountID("user1", "testing03.usr.example.com")),
			want: "web.user1.testing03.usr.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.String())

			parsed, err := ParseID(tt.id.String())
			require.NoError(t, err)
			assert.Equal(t, tt.id, parsed)
		})
	}
}

func TestParseIDMalformed(t *testing.T) {
	for _, s := range []string{"", "http", "http.", ".user.aud", "http..aud"} {
		_, err := ParseID(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestIDJSON(t *testing.T) {
	id := NewID("http", NewAccountID("user123", "dev.example.com"))

	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, `"http.user123.dev.example.com"`, string(data))

	var back ID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, id, back)
}

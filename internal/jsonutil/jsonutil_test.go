package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func TestUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want payload
	}{
		{"plain", `{"name":"a","items":["x"]}`, payload{Name: "a", Items: []string{"x"}}},
		{"code fence", "```json\n{\"name\":\"b\"}\n```", payload{Name: "b"}},
		{"surrounding prose", `Sure! Here it is: {"name":"c"} Hope that helps.`, payload{Name: "c"}},
		{"trailing comma", `{"name":"d","items":["x","y",],}`, payload{Name: "d", Items: []string{"x", "y"}}},
		{"single quotes", `{'name': 'e'}`, payload{Name: "e"}},
		{"truncated", `{"name":"f","items":["x"`, payload{Name: "f", Items: []string{"x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got payload
			require.NoError(t, Unmarshal(tt.raw, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshalNoObject(t *testing.T) {
	var got payload
	assert.Error(t, Unmarshal("I could not find anything.", &got))
}

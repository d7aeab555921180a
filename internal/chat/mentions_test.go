package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		supplied []string
		want     []string
	}{
		{name: "single", content: "hi @alice", want: []string{"alice"}},
		{name: "none", content: "hello there", want: []string{}},
		{name: "duplicates ignore case", content: "@Bob and @bob and @BOB", want: []string{"Bob"}},
		{name: "punctuation ends token", content: "@alice, @carol-x! @dan_1.", want: []string{"alice", "carol-x", "dan_1"}},
		{name: "union with supplied", content: "@alice", supplied: []string{"bob", "@Alice", "carol"}, want: []string{"alice", "bob", "carol"}},
		{name: "invalid supplied dropped", content: "", supplied: []string{"", "x", "not valid", "@ok_name"}, want: []string{"ok_name"}},
		{name: "address domain reads as a mention", content: "mail me@example.com", want: []string{"example"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMentions(tt.content, tt.supplied))
		})
	}
}

func TestNormalizeUsername(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "alice", want: "alice"},
		{in: "  Bob_99 ", want: "Bob_99"},
		{in: "a-b", want: "a-b"},
		{in: "a", wantErr: true},
		{in: "", wantErr: true},
		{in: "has space", wantErr: true},
		{in: "émile", wantErr: true},
		{in: "abcdefghijklmnopqrstuvwxyz0123456", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeUsername(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidUsername)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

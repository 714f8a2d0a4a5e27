package config

import (
	"reflect"
	"testing"
)

func TestSplitQuotedFields(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		quote rune
		want  []string
	}{
		{
			name:  "single quotes with escape",
			in:    `field'A' 'fieldB' fie'l\'d'C fieldD 'another field' fieldE`,
			quote: '\'',
			want:  []string{"fieldA", "fieldB", "fiel'dC", "fieldD", "another field", "fieldE"},
		},
		{
			name:  "event kinds",
			in:    `ThreadCreated "ModuleLoaded"  OutputProduced`,
			quote: '"',
			want:  []string{"ThreadCreated", "ModuleLoaded", "OutputProduced"},
		},
		{
			name:  "alias with spaces",
			in:    `break "set bp"`,
			quote: '"',
			want:  []string{"break", "set bp"},
		},
		{
			name:  "escaped double quote",
			in:    `"field\"D" fie"l'd"C`,
			quote: '"',
			want:  []string{"field\"D", "fiel'dC"},
		},
		{
			name:  "empty strings",
			in:    ` "" field"A" "" `,
			quote: '"',
			want:  []string{"", "fieldA", ""},
		},
		{
			name:  "adjacent quotes",
			in:    `"""" ""`,
			quote: '"',
			want:  []string{"", ""},
		},
		{
			name:  "only spaces",
			in:    "  \t ",
			quote: '"',
			want:  []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SplitQuotedFields(tt.in, tt.quote); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestConfigureListByName(t *testing.T) {
	timeout := 3
	c := &Config{
		EventTimeout:     5,
		MemoryCachePages: &timeout,
		AutoContinue:     []string{"ThreadCreated", "Module Loaded"},
	}
	tests := []struct {
		name string
		want string
	}{
		{"event-timeout", "event-timeout\t5\n"},
		{"memory-cache-pages", "memory-cache-pages\t3\n"},
		{"disassemble-flavor", "disassemble-flavor\t<not defined>\n"},
		{"auto-continue", "auto-continue\t[ThreadCreated Module Loaded]\n"},
		{"", ""},
		{"nonexistent", ""},
	}
	for _, tt := range tests {
		if got := ConfigureListByName(c, tt.name, "yaml"); got != tt.want {
			t.Errorf("ConfigureListByName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

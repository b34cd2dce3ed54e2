package orchestrator

import (
	"reflect"
	"testing"
)

func TestSplitWords(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []string
	}{
		{"simple", "move north", []string{"move", "north"}},
		{"extra whitespace", "  move   north  ", []string{"move", "north"}},
		{"single quoted", `say 'hello world'`, []string{"say", "hello world"}},
		{"double quoted with escape", `say "say \"hi\""`, []string{"say", `say "hi"`}},
		{"backslash escapes a space", `move north\ east`, []string{"move", "north east"}},
		{"empty", "", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := splitWords(tc.input)
			if err != nil {
				t.Fatalf("splitWords(%q): %v", tc.input, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("splitWords(%q) = %#v, want %#v", tc.input, got, tc.want)
			}
		})
	}
}

func TestSplitWordsErrors(t *testing.T) {
	cases := []string{
		`say "unterminated`,
		`say 'unterminated`,
		`trailing\`,
	}
	for _, input := range cases {
		if _, err := splitWords(input); err == nil {
			t.Fatalf("splitWords(%q): expected error, got nil", input)
		}
	}
}

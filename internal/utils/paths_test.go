package utils

import "testing"

func TestPathsEqual(t *testing.T) {
	if !PathsEqual("/a/b/../b/c", "/a/b/c") {
		t.Error("cleaned paths should compare equal")
	}
	if PathsEqual("/a/b", "/a/c") {
		t.Error("different paths should not compare equal")
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"hey", 2, "he"},
		{"hello", 0, ""},
	}
	for _, tc := range cases {
		if got := Truncate(tc.in, tc.n); got != tc.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

package vcs

import (
	"testing"
	"time"
)

func TestForRemote(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"git@github.com:acme/widgets.git", "github"},
		{"https://github.com/acme/widgets", "github"},
		{"git@gitlab.com:acme/widgets.git", "gitlab"},
		{"https://gitlab.example.com/acme/widgets.git", "gitlab"},
		{"https://git.internal.example.com/acme/widgets", "github"},
	}
	for _, tc := range cases {
		host := ForRemote(tc.url, 30*time.Second)
		if host.Name() != tc.want {
			t.Errorf("ForRemote(%q) = %s, want %s", tc.url, host.Name(), tc.want)
		}
	}
}

func TestParseMRNumber(t *testing.T) {
	cases := []struct {
		url  string
		want int
	}{
		{"https://github.com/acme/widgets/pull/42", 42},
		{"https://gitlab.com/acme/widgets/-/merge_requests/7", 7},
		{"https://github.com/acme/widgets/pull/42/", 42},
		{"not-a-url", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := parseMRNumber(tc.url); got != tc.want {
			t.Errorf("parseMRNumber(%q) = %d, want %d", tc.url, got, tc.want)
		}
	}
}

func TestLastURL(t *testing.T) {
	out := "Creating pull request for feature-x into main\n\nhttps://github.com/acme/widgets/pull/42\n"
	if got := lastURL(out); got != "https://github.com/acme/widgets/pull/42" {
		t.Fatalf("lastURL = %q", got)
	}
	if got := lastURL("no urls here"); got != "" {
		t.Fatalf("lastURL = %q, want empty", got)
	}
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{Cmd: "gh pr view 42", Err: errExit, Stderr: "no pull requests found\n"}
	msg := err.Error()
	if msg != "gh pr view 42 failed: exit status 1: no pull requests found" {
		t.Fatalf("message = %q", msg)
	}
}

type fakeExitErr struct{}

func (fakeExitErr) Error() string { return "exit status 1" }

var errExit = fakeExitErr{}

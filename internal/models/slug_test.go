package models

import (
	"strings"
	"testing"
)

func TestCheckSlug_Valid(t *testing.T) {
	for _, s := range []string{"render_20250101_120000_abcd1234", "a", "A-B_c9"} {
		if err := CheckSlug(s); err != nil {
			t.Errorf("CheckSlug(%q) = %v, want nil", s, err)
		}
	}
}

func TestCheckSlug_Invalid(t *testing.T) {
	cases := []string{
		"",
		"..",
		"a/b",
		"a b",
		"job.json",
		"../../etc/passwd",
		strings.Repeat("a", MaxSlugLen+1),
	}
	for _, s := range cases {
		if err := CheckSlug(s); err == nil {
			t.Errorf("CheckSlug(%q) = nil, want error", s)
		}
	}
}

func TestCheckSubpath_Valid(t *testing.T) {
	for _, s := range []string{"pose.py", "render/pose_test.py", "out/frames-01"} {
		if err := CheckSubpath(s); err != nil {
			t.Errorf("CheckSubpath(%q) = %v, want nil", s, err)
		}
	}
}

func TestCheckSubpath_RejectsTraversal(t *testing.T) {
	cases := []string{
		"",
		"../../etc/passwd",
		"a/../b",
		"/etc/passwd",
		"a//b",
		"a/./b",
		"a b/c",
	}
	for _, s := range cases {
		if err := CheckSubpath(s); err == nil {
			t.Errorf("CheckSubpath(%q) = nil, want error", s)
		}
	}
}

func TestSafeSlug(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hero", "hero"},
		{"Space Marine", "Space_Marine"},
		{"café!", "caf"},
		{"../../etc", "etc"},
		{"!!!", ""},
		{strings.Repeat("x", 200), strings.Repeat("x", MaxSlugLen)},
	}
	for _, tc := range cases {
		if got := SafeSlug(tc.in); got != tc.want {
			t.Errorf("SafeSlug(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

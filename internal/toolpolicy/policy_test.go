package toolpolicy

import "testing"

func TestIsAllowedProfileFull(t *testing.T) {
	r := NewResolver()
	pol := &Policy{Profile: ProfileFull, Deny: []string{"sandbox.*"}}

	if !r.IsAllowed(pol, "websearch") {
		t.Fatal("expected websearch allowed under full profile")
	}
	if r.IsAllowed(pol, "sandbox.exec") {
		t.Fatal("expected sandbox.exec denied despite full profile")
	}
}

func TestIsAllowedProfileNone(t *testing.T) {
	r := NewResolver()
	pol := &Policy{Profile: ProfileNone, Allow: []string{"websearch"}}

	if !r.IsAllowed(pol, "websearch") {
		t.Fatal("expected explicit allow to override none profile")
	}
	if r.IsAllowed(pol, "exec") {
		t.Fatal("expected exec denied under none profile")
	}
}

func TestIsAllowedProfileReadOnly(t *testing.T) {
	r := NewResolver()
	pol := &Policy{Profile: ProfileReadOnly, ReadOnlyTools: []string{"read_file", "grep"}}

	if !r.IsAllowed(pol, "read_file") {
		t.Fatal("expected read_file allowed under read-only profile")
	}
	if r.IsAllowed(pol, "write_file") {
		t.Fatal("expected write_file denied under read-only profile")
	}
}

func TestIsAllowedNilPolicyAllowsEverything(t *testing.T) {
	r := NewResolver()
	if !r.IsAllowed(nil, "anything") {
		t.Fatal("expected nil policy to allow all tools")
	}
}

func TestCanonicalNameWithAlias(t *testing.T) {
	r := NewResolver().WithAlias("bash", "exec")
	if got := r.CanonicalName("bash"); got != "exec" {
		t.Fatalf("CanonicalName(bash) = %q, want exec", got)
	}
	if got := r.CanonicalName("Exec"); got != "exec" {
		t.Fatalf("CanonicalName(Exec) = %q, want exec", got)
	}
}

func TestMatchPatternWildcards(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"mcp:*", "mcp:github.search", true},
		{"mcp:*", "websearch", false},
		{"sandbox.*", "sandbox.exec", true},
		{"sandbox.*", "sandbox", false},
		{"websearch", "websearch", true},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.name); got != tc.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

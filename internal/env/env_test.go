package env

import (
	"strings"
	"testing"
)

func TestExpand(t *testing.T) {
	t.Setenv("FW_AGENT_HOST", "10.0.0.5")
	e := New()
	e.Set("AGENT_TOKEN", "t0k$n")

	cases := []struct {
		in, want string
		missing  []string
	}{
		{"plain", "plain", nil},
		{"http://${FW_AGENT_HOST}:9100/sites", "http://10.0.0.5:9100/sites", nil},
		{"${AGENT_TOKEN}", "t0k$n", nil},
		{"$AGENT_TOKEN stays", "$AGENT_TOKEN stays", nil},
		{"${NOPE}-x", "${NOPE}-x", []string{"NOPE"}},
		{"a${}b", "a${}b", []string{""}},
		{"open ${FW_AGENT_HOST", "open ${FW_AGENT_HOST", nil},
	}
	for _, c := range cases {
		got, missing := e.Expand(c.in)
		if got != c.want {
			t.Errorf("Expand(%q) = %q, want %q", c.in, got, c.want)
		}
		if strings.Join(missing, ",") != strings.Join(c.missing, ",") {
			t.Errorf("Expand(%q) missing = %v, want %v", c.in, missing, c.missing)
		}
	}
}

func TestOverrideWinsOverOS(t *testing.T) {
	t.Setenv("FW_REGION", "os")
	e := New()
	if v, _ := e.Lookup("FW_REGION"); v != "os" {
		t.Fatalf("expected OS value, got %q", v)
	}
	e.Set("FW_REGION", "override")
	if v, _ := e.Lookup("FW_REGION"); v != "override" {
		t.Fatalf("expected override, got %q", v)
	}
}

func FuzzExpand(f *testing.F) {
	f.Add("A=${A}-x")
	f.Add("${FOO}${BAR}")
	f.Add("${${}}")

	f.Fuzz(func(t *testing.T, s string) {
		e := New()
		e.Set("FOO", "bar")
		out, _ := e.Expand(s)
		if !strings.Contains(s, "${") && out != s {
			t.Fatalf("text without placeholders changed: %q -> %q", s, out)
		}
	})
}

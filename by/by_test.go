package by

import "testing"

func TestToCSSSelector(t *testing.T) {
	cases := []struct {
		by    By
		value string
		want  string
	}{
		{ID, "login", `[id="login"]`},
		{Name, "q", `[name="q"]`},
		{ClassName, "btn-primary", ".btn-primary"},
		{TagName, "input", "input"},
		{CSSSelector, "div.card > a", "div.card > a"},
	}

	for _, c := range cases {
		got := ToCSSSelector(c.by, c.value)
		if got != c.want {
			t.Errorf("ToCSSSelector(%q, %q) = %q, want %q", c.by, c.value, got, c.want)
		}
	}
}

package room

import (
	"strings"
	"testing"
)

func TestNewCode(t *testing.T) {
	t.Parallel()

	seen := map[string]struct{}{}

	for i := 0; i < 256; i++ {
		code := NewCode()

		if len(code) != CodeLength {
			t.Fatalf("len(%q) = %d, want %d", code, len(code), CodeLength)
		}
		if !ValidCode(code) {
			t.Fatalf("generated code %q fails validation", code)
		}

		seen[code] = struct{}{}
	}

	if len(seen) < 2 {
		t.Error("256 generated codes were all identical")
	}
}

func TestNormalizeCode(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in   string
		want string
	}{
		{"ab3z", "AB3Z"},
		{"  AB3Z\n", "AB3Z"},
		{"aB3z ", "AB3Z"},
	} {
		if got := NormalizeCode(tc.in); got != tc.want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidCode(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		code string
		want bool
	}{
		{"AB3Z", true},
		{"0000", true},
		{"ab3z", false},
		{"ABC", false},
		{"ABCDE", false},
		{"AB-Z", false},
		{"", false},
	} {
		if got := ValidCode(tc.code); got != tc.want {
			t.Errorf("ValidCode(%q) = %t, want %t", tc.code, got, tc.want)
		}
	}
}

func TestCosmetics(t *testing.T) {
	t.Parallel()

	a0, c0 := Cosmetics(0)
	if a0 == "" || !strings.HasPrefix(c0, "bg-") {
		t.Fatalf("Cosmetics(0) = %q, %q", a0, c0)
	}

	// Out-of-range indexes wrap instead of panicking.
	a8, c8 := Cosmetics(8)
	if a8 != a0 || c8 != c0 {
		t.Errorf("Cosmetics(8) = %q, %q, want wrap to %q, %q", a8, c8, a0, c0)
	}

	aNeg, cNeg := Cosmetics(-3)
	if aNeg != a0 || cNeg != c0 {
		t.Errorf("Cosmetics(-3) = %q, %q, want clamp to %q, %q", aNeg, cNeg, a0, c0)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	r := New("AB3Z", "host", "Ada", 2, 0)

	if r.Status != StatusWaiting {
		t.Errorf("status = %s, want %s", r.Status, StatusWaiting)
	}
	if r.Signal != SignalGreen {
		t.Errorf("signal = %s, want %s", r.Signal, SignalGreen)
	}
	if r.TargetScore != DefaultTargetScore {
		t.Errorf("targetScore = %d, want default %d", r.TargetScore, DefaultTargetScore)
	}
	if r.HostID != "host" {
		t.Errorf("hostId = %q, want %q", r.HostID, "host")
	}

	p, ok := r.Players["host"]
	if !ok {
		t.Fatal("creator missing from players")
	}
	if !p.IsHost || p.Name != "Ada" || p.Avatar == "" || p.Color == "" {
		t.Errorf("creator = %+v", p)
	}
}

func TestClone(t *testing.T) {
	t.Parallel()

	r := New("AB3Z", "a", "A", 0, 10)
	r.Players["b"] = &Player{Name: "B", Score: 3}

	cp := r.Clone()
	cp.Status = StatusRacing
	cp.Players["a"].Score = 99
	delete(cp.Players, "b")

	if r.Status != StatusWaiting {
		t.Error("clone mutation changed original status")
	}
	if r.Players["a"].Score != 0 {
		t.Error("clone mutation changed original player")
	}
	if _, ok := r.Players["b"]; !ok {
		t.Error("clone deletion removed original player")
	}
}

func TestElectHost(t *testing.T) {
	t.Parallel()

	r := New("AB3Z", "m", "M", 0, 10)
	r.Players["z"] = &Player{Name: "Z"}
	r.Players["b"] = &Player{Name: "B"}

	if got := r.ElectHost("m"); got != "b" {
		t.Errorf("ElectHost = %q, want %q", got, "b")
	}

	delete(r.Players, "b")
	delete(r.Players, "z")
	if got := r.ElectHost("m"); got != "" {
		t.Errorf("ElectHost with nobody remaining = %q, want empty", got)
	}
}

func TestSetHost(t *testing.T) {
	t.Parallel()

	r := New("AB3Z", "a", "A", 0, 10)
	r.Players["b"] = &Player{Name: "B"}

	r.SetHost("b")

	if r.HostID != "b" {
		t.Errorf("hostId = %q, want %q", r.HostID, "b")
	}
	if r.Players["a"].IsHost {
		t.Error("former host still flagged")
	}
	if !r.Players["b"].IsHost {
		t.Error("new host not flagged")
	}
}

func TestStandings(t *testing.T) {
	t.Parallel()

	r := New("AB3Z", "a", "A", 0, 10)
	r.Players["a"].Score = 4
	r.Players["c"] = &Player{Name: "C", Score: 7}
	r.Players["b"] = &Player{Name: "B", Score: 4}

	got := r.Standings()

	want := []string{"c", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("got %d standings, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("standings[%d] = %q, want %q", i, got[i].ID, id)
		}
	}
}

package presence

import "testing"

func TestDefaultOnlineAndTransitions(t *testing.T) {
	tr := NewTracker()
	if !tr.Online("PROVIDER_A") {
		t.Fatal("unset provider should be online")
	}
	if !tr.Set("PROVIDER_A", Offline) {
		t.Fatal("first Set should report a change")
	}
	if tr.Set("PROVIDER_A", Offline) {
		t.Fatal("repeated Set should not report a change")
	}
	if tr.Online("PROVIDER_A") || tr.Since("PROVIDER_A").IsZero() {
		t.Fatal("PROVIDER_A should be offline with a change time")
	}
	tr.Set("PROVIDER_A", Online)
	if got := tr.Snapshot(); got["PROVIDER_A"] != "online" || len(got) != 1 {
		t.Fatalf("Snapshot = %v", got)
	}
}

func TestParseState(t *testing.T) {
	rows := []struct {
		in   string
		want State
		err  bool
	}{
		{"online", Online, false},
		{" OFFLINE ", Offline, false},
		{"maybe", Offline, true},
		{"", Offline, true},
	}
	for _, r := range rows {
		got, err := ParseState(r.in)
		if (err != nil) != r.err || got != r.want {
			t.Fatalf("ParseState(%q) = %v,%v", r.in, got, err)
		}
	}
}

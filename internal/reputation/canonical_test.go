package reputation

import (
	"testing"
	"time"
)

func TestCanonicalJSONSortsKeysAndStripsWhitespace(t *testing.T) {
	got, err := CanonicalJSON(map[string]interface{}{
		"zeta":  1,
		"alpha": "a b",
		"mid":   []interface{}{true, nil, 2.5},
	})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"alpha":"a b","mid":[true,null,2.5],"zeta":1}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSONNestedDeterminism(t *testing.T) {
	v := map[string]interface{}{
		"b": map[string]interface{}{"y": 2, "x": 1},
		"a": []interface{}{map[string]interface{}{"k2": "v", "k1": "u"}},
	}
	first, err := CanonicalJSON(v)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := CanonicalJSON(v)
		if err != nil {
			t.Fatalf("CanonicalJSON: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("iteration %d: %s != %s", i, again, first)
		}
	}
}

func TestCanonicalTimeMillisecondZ(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	ts := time.Date(2026, 1, 2, 13, 4, 5, 678900000, loc)
	got := CanonicalTime(ts)
	if got != "2026-01-02T12:04:05.678Z" {
		t.Errorf("CanonicalTime = %q", got)
	}
}

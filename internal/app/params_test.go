package app

import "testing"

func TestParseNominations(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[int64]int64
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{name: "single", pairs: []string{"3=12"}, want: map[int64]int64{3: 12}},
		{name: "spaces", pairs: []string{" 3 = 12 ", "4=13"}, want: map[int64]int64{3: 12, 4: 13}},
		{name: "missing separator", pairs: []string{"3:12"}, wantErr: true},
		{name: "not a number", pairs: []string{"a=12"}, wantErr: true},
		{name: "bad destination", pairs: []string{"3="}, wantErr: true},
		{name: "duplicate source", pairs: []string{"3=12", "3=13"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNominations(tt.pairs)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseNominations(%v) error = nil, want error", tt.pairs)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNominations() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseNominations() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("nomination[%d] = %d, want %d", k, got[k], v)
				}
			}
		})
	}
}

func TestExcludeOptions(t *testing.T) {
	if got := ExcludeOptions(nil); got != nil {
		t.Errorf("ExcludeOptions(nil) = %v, want nil", got)
	}
	got := ExcludeOptions([]string{"reagent", " tag "})
	if len(got) != 2 || got["reagent"] || got["tag"] {
		t.Errorf("ExcludeOptions() = %v, want reagent and tag excluded", got)
	}
	if v, ok := got["tag"]; !ok || v {
		t.Errorf("tag entry = (%v, %v), want (false, true)", v, ok)
	}
}

package cli

import (
	"reflect"
	"testing"
)

func TestMatchSubjects(t *testing.T) {
	subjects := []string{"patient-001", "patient-002", "patient-010", "study-p1"}

	tests := []struct {
		name    string
		pattern string
		want    []string
		wantErr bool
	}{
		{"exact match", "patient-002", []string{"patient-002"}, false},
		{"exact miss", "patient-999", nil, true},
		{"prefix glob", "patient-*", []string{"patient-001", "patient-002", "patient-010"}, false},
		{"question mark", "patient-00?", []string{"patient-001", "patient-002"}, false},
		{"character class", "patient-0[12]0", []string{"patient-010"}, false},
		{"glob miss", "clinic-*", nil, true},
		{"match all", "*", []string{"patient-001", "patient-002", "patient-010", "study-p1"}, false},
		{"invalid pattern", "patient-[", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchSubjects(tt.pattern, subjects)
			if (err != nil) != tt.wantErr {
				t.Fatalf("MatchSubjects(%q) error = %v, wantErr %v", tt.pattern, err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MatchSubjects(%q) = %v, want %v", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestMatchSubjectsEmptyList(t *testing.T) {
	if _, err := MatchSubjects("*", nil); err == nil {
		t.Error("MatchSubjects() with no subjects should fail")
	}
}

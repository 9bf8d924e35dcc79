package main

import (
	"testing"

	"github.com/saudabook/position-engine/internal/backfill"
)

func TestKindsFor(t *testing.T) {
	tests := []struct {
		what    string
		want    []backfill.Kind
		wantErr bool
	}{
		{"stock", []backfill.Kind{backfill.KindStock}, false},
		{"pnl", []backfill.Kind{backfill.KindPnL}, false},
		{"all", []backfill.Kind{backfill.KindStock, backfill.KindPnL}, false},
		{"everything", nil, true},
	}
	for _, tt := range tests {
		got, err := kindsFor(tt.what)
		if (err != nil) != tt.wantErr {
			t.Errorf("kindsFor(%q) err = %v, wantErr %v", tt.what, err, tt.wantErr)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("kindsFor(%q) = %v, want %v", tt.what, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("kindsFor(%q)[%d] = %s, want %s", tt.what, i, got[i], tt.want[i])
			}
		}
	}
}

package sqldoc

import "testing"

func TestRebind(t *testing.T) {
	tests := []struct {
		name     string
		numbered bool
		in       string
		want     string
	}{
		{
			name: "question marks kept",
			in:   "SELECT doc FROM collections WHERE name = ?",
			want: "SELECT doc FROM collections WHERE name = ?",
		},
		{
			name:     "numbered in order",
			numbered: true,
			in:       "INSERT INTO t (a, b, c) VALUES (?, ?, ?)",
			want:     "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)",
		},
		{
			name:     "no placeholders",
			numbered: true,
			in:       "SELECT 1",
			want:     "SELECT 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Backend{dialect: Dialect{Name: "test", NumberedPlaceholders: tt.numbered}}
			if got := b.rebind(tt.in); got != tt.want {
				t.Errorf("rebind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

package csvout

import (
	"strings"
	"testing"
)

func TestWrite(t *testing.T) {
	tests := []struct {
		name string
		cols []string
		rows [][]any
		sep  rune
		want string
	}{
		{
			name: "comma separated with a null cell",
			cols: []string{"doi", "title"},
			rows: [][]any{{"10.1/a", "A Title"}, {"10.1/b", nil}},
			sep:  ',',
			want: "doi,title\n10.1/a,A Title\n10.1/b,\n",
		},
		{
			name: "custom field separator",
			cols: []string{"a", "b"},
			rows: [][]any{{1, 2}},
			sep:  ';',
			want: "a;b\n1;2\n",
		},
		{
			name: "no rows still writes the header",
			cols: []string{"doi"},
			rows: nil,
			sep:  ',',
			want: "doi\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf strings.Builder
			if err := Write(&buf, tt.cols, tt.rows, tt.sep); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Write() = %q, want %q", got, tt.want)
			}
		})
	}
}

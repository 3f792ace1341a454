package helpers

import "testing"

func TestSanitizeHTMLStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "strips tags and keeps text",
			in:   "<p>POST <code>/fhir/Bundle</code> accepts transaction bundles</p>",
			want: "POST /fhir/Bundle accepts transaction bundles",
		},
		{
			name: "drops script content entirely",
			in:   "<script>alert('x')</script>token endpoint",
			want: "token endpoint",
		},
		{
			name: "removes javascript links",
			in:   `<a href="javascript:evil()">docs</a>`,
			want: "docs",
		},
		{
			name: "trims whitespace",
			in:   "   plain text   ",
			want: "plain text",
		},
		{
			name: "empty input",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeHTMLStrict(tt.in); got != tt.want {
				t.Fatalf("SanitizeHTMLStrict(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

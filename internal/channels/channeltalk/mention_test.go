package channeltalk

import "testing"

func TestIsMentioned(t *testing.T) {
	tests := []struct {
		text, bot string
		want      bool
	}{
		{"hello @Bob, how are you", "Bob", true},
		{"Bobby said hi", "Bob", false},
		{"Bob아 밥먹었어?", "Bob", true},
		{"hi team", "", false},
		{"hey bob!", "Bob", true},
		{"BOB: status?", "Bob", true},
		{"bob", "Bob", true},
		{"ask bob; then", "Bob", true},
		{"thebob said", "Bob", false},
		{"클로야 도와줘", "클로", true},
		{"클로바 켜줘", "클로", false},
		{"ping @c.l.a.w now", "c.l.a.w", true},
		{"cXlXaXw", "c.l.a.w", false},
		{"hi\u00a0bob\u00a0there", "Bob", true},
		{"안녕\u3000클로\u3000도와줘", "클로", true},
		{"x\u00a0bobby", "Bob", false},
	}
	for _, tt := range tests {
		if got := IsMentioned(tt.text, tt.bot); got != tt.want {
			t.Errorf("IsMentioned(%q, %q) = %v, want %v", tt.text, tt.bot, got, tt.want)
		}
	}
}

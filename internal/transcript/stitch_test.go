package transcript

import "testing"

func TestStitch(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		incoming string
		want     string
	}{
		{"empty existing", "", "hello there", "hello there"},
		{"empty incoming", "hello there", "", "hello there"},
		{"both empty", "", "", ""},
		{"single word overlap", "Hello world how", "how are you", "Hello world how are you"},
		{"full overlap", "Hello world", "world", "Hello world"},
		{"no overlap", "Hello", "world", "Hello world"},
		{"multi word overlap", "the quick brown fox", "brown fox jumps over", "the quick brown fox jumps over"},
		{"prefers longest overlap", "a b a b", "a b a b c", "a b a b c"},
		{"case sensitive", "Hello World", "world peace", "Hello World world peace"},
		{"whitespace only incoming", "hello", "   ", "hello"},
		{"incoming longer than existing", "yes", "yes I can hear you", "yes I can hear you"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Stitch(tt.existing, tt.incoming); got != tt.want {
				t.Errorf("Stitch(%q, %q) = %q, want %q", tt.existing, tt.incoming, got, tt.want)
			}
		})
	}
}

func TestStitchIdentities(t *testing.T) {
	inputs := []string{"a", "hello world", "one two three four", "x  y"}
	for _, s := range inputs {
		if got := Stitch(s, ""); got != s {
			t.Errorf("Stitch(%q, \"\") = %q", s, got)
		}
		if got := Stitch("", s); got != s {
			t.Errorf("Stitch(\"\", %q) = %q", s, got)
		}
	}
}

func TestStitchWithin(t *testing.T) {
	existing := "one two three four"
	incoming := "two three four five"

	if got := StitchWithin(existing, incoming, 0); got != "one two three four five" {
		t.Errorf("unbounded: got %q", got)
	}
	// Overlap of 3 words is out of reach with a 2-word window
	if got := StitchWithin(existing, incoming, 2); got != "one two three four two three four five" {
		t.Errorf("bounded: got %q", got)
	}
}

func TestStitchSequence(t *testing.T) {
	fragments := []string{
		"good morning thank you",
		"thank you for calling",
		"for calling the helpline",
		"helpline how can I help",
	}

	var transcript string
	for _, f := range fragments {
		transcript = Stitch(transcript, f)
	}

	want := "good morning thank you for calling the helpline how can I help"
	if transcript != want {
		t.Errorf("got %q, want %q", transcript, want)
	}
}

package fingerprint

import (
	"math/rand"
	"testing"
)

func TestComputeStable(t *testing.T) {
	t.Parallel()

	a := Compute("forum", "post_1", Digest(map[string]string{"title": "Hello", "author": "bob"}, nil))
	b := Compute("forum", "post_1", Digest(map[string]string{"author": "bob", "title": "Hello"}, nil))
	if a != b {
		t.Fatalf("fingerprint changed with field order: %s != %s", a, b)
	}
	if len(a) != Size*2 {
		t.Fatalf("unexpected length %d", len(a))
	}
}

func TestComputeDistinguishes(t *testing.T) {
	t.Parallel()

	base := Compute("s", "k", "d")
	cases := map[string]string{
		"source": Compute("s2", "k", "d"),
		"key":    Compute("s", "k2", "d"),
		"digest": Compute("s", "k", "d2"),
		// separators must not let parts bleed into each other
		"boundary": Compute("sk", "", "d"),
	}
	for name, got := range cases {
		if got == base {
			t.Fatalf("%s: expected different fingerprint", name)
		}
	}
}

func TestDigestPermutationProperty(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		fields := map[string]string{}
		keys := []string{}
		n := 1 + r.Intn(8)
		for j := 0; j < n; j++ {
			k := string(rune('a' + r.Intn(26)))
			fields[k] = randWord(r)
			keys = append(keys, k)
		}
		want := Digest(fields, keys)
		r.Shuffle(len(keys), func(a, b int) { keys[a], keys[b] = keys[b], keys[a] })
		if got := Digest(fields, keys); got != want {
			t.Fatalf("iteration %d: digest depends on key order\nwant %q\ngot  %q", i, want, got)
		}
	}
}

func TestDigestWhitespaceInsensitive(t *testing.T) {
	t.Parallel()

	a := Digest(map[string]string{"title": "  New   release\n v2 "}, nil)
	b := Digest(map[string]string{"title": "New release v2"}, nil)
	if a != b {
		t.Fatalf("whitespace changed digest: %q vs %q", a, b)
	}
}

func TestDigestCanonicalSubset(t *testing.T) {
	t.Parallel()

	a := Digest(map[string]string{"price": "10", "fetched_at": "12:00"}, []string{"price"})
	b := Digest(map[string]string{"price": "10", "fetched_at": "12:05"}, []string{"price"})
	if a != b {
		t.Fatalf("non-canonical field leaked into digest")
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	fields := map[string]string{"id": " 42 ", "project": "alpha", "date": "2026-01-02", "amount": "5"}
	tests := []struct {
		tmpl string
		want string
	}{
		{"post_{id}", "post_42"},
		{"{project}+{date}+{amount}", "alpha+2026-01-02+5"},
		{"", "42"},
		{"{missing}-x", "-x"},
		{"open{brace", "open{brace"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.tmpl, func(t *testing.T) {
			if got := Key(tt.tmpl, fields); got != tt.want {
				t.Fatalf("Key(%q)=%q want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func randWord(r *rand.Rand) string {
	const letters = "abc xyz\t\n"
	n := r.Intn(12)
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

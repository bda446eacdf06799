package sha256

import "testing"

func TestHasherProducesStableJobIDs(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if Sum("hello world") != got {
		t.Fatalf("Sum and Hash disagree")
	}
	if Sum("https://example.com/a") == Sum("https://example.com/b") {
		t.Fatalf("distinct urls must not share an id")
	}
}

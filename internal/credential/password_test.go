package credential

import "testing"

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if err := Verify("correct-horse-battery-staple", hash); err != nil {
		t.Fatalf("Verify(correct password): %v", err)
	}
	if err := Verify("wrong-password", hash); err != ErrMismatch {
		t.Fatalf("Verify(wrong password) = %v, want ErrMismatch", err)
	}
}

func TestHashIsSalted(t *testing.T) {
	h1, _ := Hash("same-password")
	h2, _ := Hash("same-password")
	if h1 == h2 {
		t.Fatal("two hashes of the same password must differ (random salt)")
	}
}

func TestVerifyMalformedHash(t *testing.T) {
	if err := Verify("anything", "not-a-hash"); err != ErrMismatch {
		t.Fatalf("Verify(malformed hash) = %v, want ErrMismatch", err)
	}
}

package provision

import (
	"errors"
	"testing"
	"time"
)

func TestNewPINShape(t *testing.T) {
	p, err := NewPIN(6, 5, time.Minute)
	if err != nil {
		t.Fatalf("NewPIN() error = %v", err)
	}
	v := p.Value()
	if len(v) != 6 {
		t.Fatalf("pin length = %d, want 6", len(v))
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			t.Fatalf("pin %q contains non-digit", v)
		}
	}
}

func TestPINsDifferAcrossBoots(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		p, err := NewPIN(6, 5, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		seen[p.Value()] = true
	}
	// Eight identical 6-digit draws would mean the generator is broken.
	if len(seen) == 1 {
		t.Error("every generated pin was identical")
	}
}

func TestVerify(t *testing.T) {
	p, err := NewPIN(6, 5, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Verify(p.Value()); err != nil {
		t.Errorf("Verify(correct) error = %v", err)
	}
	if err := p.Verify("000000"); p.Value() != "000000" && !errors.Is(err, ErrInvalidPIN) {
		t.Errorf("Verify(wrong) error = %v, want ErrInvalidPIN", err)
	}
	if err := p.Verify(""); !errors.Is(err, ErrInvalidPIN) {
		t.Errorf("Verify(empty) error = %v, want ErrInvalidPIN", err)
	}
}

func TestVerifyRateLimit(t *testing.T) {
	p, err := NewPIN(6, 3, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := p.Verify("wrong!"); !errors.Is(err, ErrInvalidPIN) {
			t.Fatalf("attempt %d error = %v, want ErrInvalidPIN", i, err)
		}
	}

	// Budget exhausted: even the correct pin is refused.
	if err := p.Verify(p.Value()); !errors.Is(err, ErrTooManyAttempts) {
		t.Errorf("exhausted Verify() error = %v, want ErrTooManyAttempts", err)
	}
}

func TestNewPINClampsDegenerateArguments(t *testing.T) {
	p, err := NewPIN(0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Value()) < 4 {
		t.Errorf("pin length = %d, want at least 4", len(p.Value()))
	}
}

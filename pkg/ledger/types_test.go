package ledger

import (
	"errors"
	"testing"
)

func TestNewAccountID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " acct-123 ", wantVal: "acct-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidAccountID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewAccountID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestNewReservationID(t *testing.T) {
	t.Parallel()
	_, err := NewReservationID("")
	if !errors.Is(err, ErrInvalidReservationID) {
		t.Fatalf("expected ErrInvalidReservationID, got %v", err)
	}
	if GenerateReservationID() == GenerateReservationID() {
		t.Fatalf("expected generated ids to differ")
	}
}

func TestNewIdempotencyKey(t *testing.T) {
	t.Parallel()
	_, err := NewIdempotencyKey("   ")
	if !errors.Is(err, ErrInvalidIdempotencyKey) {
		t.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
}

func TestCreditsConstructors(t *testing.T) {
	t.Parallel()
	if _, err := NewPositiveCredits(0); !errors.Is(err, ErrInvalidCredits) {
		t.Fatalf("expected ErrInvalidCredits, got %v", err)
	}
	if _, err := NewCredits(-1); !errors.Is(err, ErrInvalidCredits) {
		t.Fatalf("expected ErrInvalidCredits, got %v", err)
	}
	value, err := NewCredits(0)
	if err != nil || value != 0 {
		t.Fatalf("expected zero credits, got %d (%v)", value, err)
	}
}

func TestNewTierNormalizes(t *testing.T) {
	t.Parallel()
	tier, err := NewTier("  Pro ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tier != "pro" {
		t.Fatalf("expected pro, got %q", tier)
	}
	if _, err := NewTier(""); !errors.Is(err, ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier, got %v", err)
	}
}

func TestParseStoredEnums(t *testing.T) {
	t.Parallel()
	if _, err := ParseEntryType("refund"); !errors.Is(err, ErrInvalidEntryType) {
		t.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
	if _, err := ParseReservationStatus("captured"); !errors.Is(err, ErrInvalidReservationStatus) {
		t.Fatalf("expected ErrInvalidReservationStatus, got %v", err)
	}
	status, err := ParseReservationStatus("settled")
	if err != nil || status != ReservationStatusSettled {
		t.Fatalf("expected settled, got %q (%v)", status, err)
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	meta, err := NewMetadataJSON("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.String() != "{}" {
		t.Fatalf("expected default metadata to be '{}', got %q", meta.String())
	}
	_, err = NewMetadataJSON("not-json")
	if !errors.Is(err, ErrInvalidMetadataJSON) {
		t.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
	if MetadataFromMap(map[string]any{"a": 1}).String() != `{"a":1}` {
		t.Fatalf("unexpected metadata from map")
	}
}

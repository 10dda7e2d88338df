package profile

import (
	"context"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestInfoDefaults(t *testing.T) {
	info := Profile{}.Info()
	if info.Age != "Not provided" || info.Gender != "Not provided" || info.MedicalHistory != "None" {
		t.Fatalf("unexpected defaults: %+v", info)
	}
}

func TestInfoFromProfile(t *testing.T) {
	info := Profile{Age: intPtr(42), Gender: "female", MedicalHistory: "asthma"}.Info()
	if info.Age != "42" || info.Gender != "female" || info.MedicalHistory != "asthma" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestMemoryStoreIdentityDefaultsName(t *testing.T) {
	store := NewMemoryStore(Identity{ID: "p-1"}, Profile{Name: "Ana"})
	if got := store.GetPatientIdentity(context.Background()); got.DisplayName != "Ana" {
		t.Fatalf("expected display name Ana, got %q", got.DisplayName)
	}

	store.Update(Profile{Name: "Ana", Gender: "female"})
	if got := store.GetProfile(context.Background()); got.Gender != "female" {
		t.Fatalf("expected updated profile, got %+v", got)
	}
}

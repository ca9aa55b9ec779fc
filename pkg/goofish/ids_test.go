package goofish

import (
	"strings"
	"testing"
)

func TestGenerateMID_UniqueAndShaped(t *testing.T) {
	seen := make(map[string]struct{}, 500)
	for i := 0; i < 500; i++ {
		mid := GenerateMID()
		if !strings.HasSuffix(mid, " 0") {
			t.Fatalf("mid %q should end with \" 0\"", mid)
		}
		if _, dup := seen[mid]; dup {
			t.Fatalf("duplicate mid %q", mid)
		}
		seen[mid] = struct{}{}
	}
}

func TestGenerateUUID_Unique(t *testing.T) {
	a, b := GenerateUUID(), GenerateUUID()
	if a == b {
		t.Fatalf("expected distinct correlation ids, got %q twice", a)
	}
	if !strings.HasPrefix(a, "-") {
		t.Fatalf("correlation id %q should start with '-'", a)
	}
}

func TestDeviceID_DeterministicPerUser(t *testing.T) {
	if DeviceID("2200001") != DeviceID("2200001") {
		t.Fatalf("device id should be stable for the same user")
	}
	if DeviceID("2200001") == DeviceID("2200002") {
		t.Fatalf("device id should differ across users")
	}
	if !strings.HasSuffix(DeviceID("2200001"), "-2200001") {
		t.Fatalf("device id should carry the user id suffix: %q", DeviceID("2200001"))
	}
}

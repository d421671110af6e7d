package capability

import (
	"path/filepath"
	"testing"
)

func TestVaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFile)

	v := NewVault(path)
	if v.Exists() {
		t.Fatal("vault should not exist yet")
	}
	if err := v.Create("correct horse"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := v.Set("api_key", "sk-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Reopen from disk with the right password.
	v2 := NewVault(path)
	if !v2.Exists() {
		t.Fatal("vault file missing after Create")
	}
	if err := v2.Unlock("correct horse"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	got, err := v2.Get("api_key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sk-123" {
		t.Errorf("Get = %q, want %q", got, "sk-123")
	}

	if missing, err := v2.Get("no_such"); err != nil || missing != "" {
		t.Errorf("Get(missing) = (%q, %v), want empty", missing, err)
	}
}

func TestVaultWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFile)

	v := NewVault(path)
	if err := v.Create("right"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	v2 := NewVault(path)
	if err := v2.Unlock("wrong"); err == nil {
		t.Fatal("Unlock with wrong password should fail")
	}
	if v2.Unlocked() {
		t.Error("vault must stay locked after failed unlock")
	}
}

func TestVaultLockedOperations(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFile)

	v := NewVault(path)
	if err := v.Create("pw"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	v.Lock()

	if err := v.Set("x", "y"); err == nil {
		t.Error("Set on locked vault should fail")
	}
	if _, err := v.Get("x"); err == nil {
		t.Error("Get on locked vault should fail")
	}
}

func TestVaultNamesExcludesInternal(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFile)

	v := NewVault(path)
	if err := v.Create("pw"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := v.Set("api_key", "a"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := v.Set("mail_token", "b"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	names := v.Names()
	if len(names) != 2 {
		t.Fatalf("Names = %v, want 2 entries", names)
	}
	for _, n := range names {
		if n == vaultVerifyEntry {
			t.Error("Names must not expose the verification entry")
		}
	}
}

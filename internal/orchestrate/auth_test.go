package orchestrate

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"testing"
)

func signInitData(t *testing.T, initData map[string]string, secret string) string {
	t.Helper()
	cp := make(map[string]string, len(initData))
	for k, v := range initData {
		cp[k] = v
	}
	delete(cp, "hash")

	lines := make([]string, 0, len(cp))
	for k, v := range cp {
		lines = append(lines, k+"="+v)
	}
	// map iteration leaves the lines unordered; sort them the way verifyInitData does
	sortStrings(lines)

	secretKey := hmac.New(sha256.New, []byte("WebAppData"))
	secretKey.Write([]byte(secret))
	derivedKey := secretKey.Sum(nil)

	mac := hmac.New(sha256.New, derivedKey)
	for i, l := range lines {
		if i > 0 {
			mac.Write([]byte("\n"))
		}
		mac.Write([]byte(l))
	}
	return fmt.Sprintf("%x", mac.Sum(nil))
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func TestVerifyInitData_Valid(t *testing.T) {
	data := map[string]string{"user_id": "42", "auth_date": "1700000000"}
	data["hash"] = signInitData(t, data, "top-secret")

	if err := verifyInitData(data, "top-secret"); err != nil {
		t.Fatalf("verifyInitData: %v", err)
	}
}

func TestVerifyInitData_WrongSecret(t *testing.T) {
	data := map[string]string{"user_id": "42"}
	data["hash"] = signInitData(t, data, "top-secret")

	if err := verifyInitData(data, "wrong-secret"); err == nil {
		t.Fatal("expected hash mismatch with wrong secret")
	}
}

func TestVerifyInitData_TamperedField(t *testing.T) {
	data := map[string]string{"user_id": "42"}
	data["hash"] = signInitData(t, data, "top-secret")
	data["user_id"] = "99"

	if err := verifyInitData(data, "top-secret"); err == nil {
		t.Fatal("expected hash mismatch after tampering")
	}
}

func TestVerifyInitData_MissingHash(t *testing.T) {
	data := map[string]string{"user_id": "42"}
	if err := verifyInitData(data, "top-secret"); err == nil {
		t.Fatal("expected error for missing hash")
	}
}

func TestInitDataUserID_Missing(t *testing.T) {
	if _, err := initDataUserID(map[string]string{}); err == nil {
		t.Fatal("expected error for missing user_id")
	}
}

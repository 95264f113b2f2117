package orchestrate

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
)

// verifyInitData recomputes an HMAC-SHA256 over canonicalized init
// parameters and compares it against the caller-supplied hash, per spec.md
// §4.4.8. initData carries the web surface's auth params plus a "hash" entry
// holding the value to verify against; every other entry is signed.
//
// The canonicalization sorts params by key and joins them as "key=value"
// lines, matching the widely used web-app init-data signing scheme.
func verifyInitData(initData map[string]string, secret string) error {
	hash, ok := initData["hash"]
	if !ok || hash == "" {
		return fmt.Errorf("orchestrate: init_data missing hash")
	}

	keys := make([]string, 0, len(initData))
	for k := range initData {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+initData[k])
	}
	dataCheckString := strings.Join(lines, "\n")

	secretKey := hmac.New(sha256.New, []byte("WebAppData"))
	secretKey.Write([]byte(secret))
	derivedKey := secretKey.Sum(nil)

	mac := hmac.New(sha256.New, derivedKey)
	mac.Write([]byte(dataCheckString))
	computed := fmt.Sprintf("%x", mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) != 1 {
		return fmt.Errorf("orchestrate: init_data hash mismatch")
	}
	return nil
}

// initDataUserID extracts the authenticated user id from already-verified
// init data.
func initDataUserID(initData map[string]string) (string, error) {
	id, ok := initData["user_id"]
	if !ok || id == "" {
		return "", fmt.Errorf("orchestrate: init_data missing user_id")
	}
	return id, nil
}

// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package auth

import (
	"strings"
	"testing"
)

func TestGenerateAPIKey(t *testing.T) {
	key, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	if !strings.HasPrefix(key, KeyPrefix) {
		t.Errorf("key %q missing prefix %q", key, KeyPrefix)
	}
	if prefix != key[:len(KeyPrefix)+8] {
		t.Errorf("prefix = %q, want first %d chars of key", prefix, len(KeyPrefix)+8)
	}
	if hash == key {
		t.Error("hash must not equal the key")
	}

	if !ValidateAPIKey(key, hash) {
		t.Error("freshly generated key should validate against its hash")
	}
	if ValidateAPIKey(key+"x", hash) {
		t.Error("tampered key should not validate")
	}
}

func TestExtractPrefix(t *testing.T) {
	key, _, prefix, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if got := ExtractPrefix(key); got != prefix {
		t.Errorf("ExtractPrefix = %q, want %q", got, prefix)
	}
	if got := ExtractPrefix("short"); got != "" {
		t.Errorf("ExtractPrefix on short input = %q, want empty", got)
	}
}

func TestIsValidKeyFormat(t *testing.T) {
	key, _, _, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		key   string
		valid bool
	}{
		{key, true},
		{"", false},
		{"gh_", false},
		{"gh_short", false},
		{"sk_" + strings.Repeat("a", 40), false},
	}
	for _, tc := range cases {
		if got := IsValidKeyFormat(tc.key); got != tc.valid {
			t.Errorf("IsValidKeyFormat(%q) = %v, want %v", tc.key, got, tc.valid)
		}
	}
}

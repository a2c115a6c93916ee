// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// Key prefix for identification
	KeyPrefix = "gh_"
	// Length of the random part (before base64)
	KeyRandomBytes = 32
)

// GenerateAPIKey generates a new API key and returns the key and its hash
func GenerateAPIKey() (key string, hash string, prefix string, err error) {
	randomBytes := make([]byte, KeyRandomBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("generate random bytes: %w", err)
	}

	randomPart := base64.RawURLEncoding.EncodeToString(randomBytes)
	key = KeyPrefix + randomPart

	// Prefix used for indexed lookup (first 8 chars after "gh_")
	prefix = key[:len(KeyPrefix)+8]

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash key: %w", err)
	}
	hash = string(hashBytes)

	return key, hash, prefix, nil
}

// ValidateAPIKey checks if a key matches a hash
func ValidateAPIKey(key, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
	return err == nil
}

// ExtractPrefix extracts the prefix from an API key for lookup
func ExtractPrefix(key string) string {
	if len(key) < len(KeyPrefix)+8 {
		return ""
	}
	return key[:len(KeyPrefix)+8]
}

// IsValidKeyFormat checks if a key has the correct format
func IsValidKeyFormat(key string) bool {
	return strings.HasPrefix(key, KeyPrefix) && len(key) > len(KeyPrefix)+8
}

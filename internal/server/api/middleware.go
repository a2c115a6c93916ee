// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gatehousehq/gatehouse/internal/server/auth"
)

// Context keys for request-scoped values
type contextKey string

const (
	contextKeyAccountID contextKey = "account_id"
	contextKeyKeyID     contextKey = "key_id"
	contextKeyScope     contextKey = "scope"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing Authorization header",
			})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			respondJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid Authorization header format. Expected: Bearer <token>",
			})
			return
		}

		token := parts[1]

		if !auth.IsValidKeyFormat(token) {
			respondJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid API key format",
			})
			return
		}

		prefix := auth.ExtractPrefix(token)
		apiKey, err := s.authStore.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			respondJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid API key",
			})
			return
		}

		if !auth.ValidateAPIKey(token, apiKey.KeyHash) {
			respondJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid API key",
			})
			return
		}

		go s.authStore.UpdateLastUsed(context.Background(), apiKey.ID)

		ctx := context.WithValue(r.Context(), contextKeyAccountID, apiKey.AccountID)
		ctx = context.WithValue(ctx, contextKeyKeyID, apiKey.ID)
		ctx = context.WithValue(ctx, contextKeyScope, apiKey.Scope)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireScope(requiredScope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope := getScope(r)

			if scope == "admin" {
				next.ServeHTTP(w, r)
				return
			}

			if scope != requiredScope {
				respondJSON(w, http.StatusForbidden, map[string]string{
					"error": "Insufficient permissions. Required scope: " + requiredScope,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Helper functions to extract values from context

func getAccountID(r *http.Request) string {
	if accountID, ok := r.Context().Value(contextKeyAccountID).(string); ok {
		return accountID
	}
	return ""
}

func getScope(r *http.Request) string {
	if scope, ok := r.Context().Value(contextKeyScope).(string); ok {
		return scope
	}
	return ""
}

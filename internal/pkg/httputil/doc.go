// Package httputil holds the shared JSON response helpers for the operator
// API and the provider-facing tracking endpoints.
package httputil

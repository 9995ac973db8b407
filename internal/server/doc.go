// Package server wraps the API router in the shared HTTP middleware chain
// (request ids, access logs, request metrics, security headers, and a global
// request budget) and provides the Redis-backed upload rate limiter.
package server

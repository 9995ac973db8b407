// Package api exposes the video upload API over echo.
//
// Handlers stay thin: they resolve the requester from a bearer token, decode
// the request, and delegate to the uploads service. Service errors map onto
// HTTP statuses in one place (statusFor) so every route reports permission,
// validation, and state failures the same way.
//
// Request ids, access logging, request metrics, and security headers are
// applied by internal/server around the echo instance.
package api

// Package domain defines the core types for outbound email delivery tracking.
//
// Types in this package are pure value objects with no behavior beyond small
// derived accessors. They are the shared language between the HTTP handlers,
// the tracking pipeline, the outbound injector, and the repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Constants and enums belong here
package domain

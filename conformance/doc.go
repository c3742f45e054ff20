// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package conformance verifies engine behavior that ordinary unit tests
// cannot see from the outside: the exact order of operations a call context
// issues against its transport.
//
// The package wraps the in-process transport with a checking layer that
// records every armed operation and validates, per context generation, that
// the operation sequence is legal: a unary context arms one receive and at
// most one finish, a streaming context arms one accept followed by strictly
// alternating reads and writes and a single terminal finish, and no context
// arms an operation with a stale or reused token. Scenario helpers drive a
// live engine through normal traffic, error traffic, and shutdown while the
// checker accumulates violations.
package conformance

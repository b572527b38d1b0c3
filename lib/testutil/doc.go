// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireNoReceive] wrap the select-with-timeout
// pattern for channel assertions. They are the only place tests wait
// on the wall clock; timer-driven behaviour (decrypt retries, snapshot
// ticks) is driven by clock.FakeClock instead.
//
// [UniqueID] generates monotonically increasing identifiers for event
// and transaction ids in tests.
package testutil

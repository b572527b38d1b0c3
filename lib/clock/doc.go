// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every timer in the E2EE core:
// decrypt retry backoff, the crypto-state snapshot ticker, and the sync
// loop's error backoff.
//
// Production code receives Real(). Tests receive Fake(start), whose
// time moves only on Advance. AfterFunc callbacks registered on a
// FakeClock run synchronously inside Advance, in deadline order, so a
// test can step a retry schedule one backoff interval at a time:
//
//	fake := clock.Fake(start)
//	bridge := e2ee.NewDecryptBridge(e2ee.DecryptBridgeConfig{Clock: fake, ...})
//	bridge.HandleDecryptionFailure(event, failure)
//	fake.Advance(time.Second) // first retry runs here
//
// WaitForTimers blocks until a goroutine under test has registered its
// timer, which removes the race between registration and Advance.
package clock

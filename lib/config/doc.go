// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the E2EE client configuration.
//
// Configuration comes from a single file named by either the
// BUREAU_E2EE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no discovery and no environment
// override of individual values. Files ending in .json or .jsonc are
// parsed as JSON with comments and trailing commas; everything else is
// YAML.
//
// Secrets never appear in the file: the access token and password are
// referenced by path and read into secret buffers by the caller.
//
// Path fields support ${HOME}, ${STATE_DIR} (the configured
// encryption.state_dir) and ${VAR:-default} expansion.
package config

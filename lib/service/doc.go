// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides [HTTPServer], a listener/serve/graceful-
// shutdown lifecycle wrapper around net/http.Server: Serve(ctx) blocks
// until ctx is cancelled, then drains in-flight requests before
// returning. Used by internal/cannon/source's "listen" transaction
// source for its inbound authorize-job HTTP endpoint.
package service

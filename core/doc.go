// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package core holds the value types and small pure algorithms shared
// across the server: watermarks, change stream messages, the client
// wire protocol and the logging interface. Packages here must not
// depend on anything under internal.
package core

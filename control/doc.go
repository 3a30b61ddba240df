// Copyright (c) 2026
// Author: momentics <momentics@gmail.com>

// Package control carries the runtime's configuration defaults, the
// metrics registry and the logger constructor.
package control

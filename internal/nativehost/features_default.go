//go:build !background_input

package nativehost

// The low-level keyboard hook ships only in background_input builds.
const backgroundInput = false

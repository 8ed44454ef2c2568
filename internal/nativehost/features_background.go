//go:build background_input

package nativehost

const backgroundInput = true

//go:build !embed
// +build !embed

package main

import "embed"

// Stub embed.FS for development builds; extraction then finds no files
// and the model directory is read from disk.
var modelFiles embed.FS

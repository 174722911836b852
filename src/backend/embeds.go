//go:build embed
// +build embed

package main

import "embed"

// Embed model files
//
//go:embed model/quantized/*
var modelFiles embed.FS

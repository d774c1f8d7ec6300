package models

// Package is one published package: its unique name and the manifest
// document stored under the "info" attribute.
type Package struct {
	Name string
	Info Manifest
}

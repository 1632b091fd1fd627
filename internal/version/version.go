// Package version carries the build version stamped into outbound requests.
package version

// Version is overridden at build time via -ldflags.
var Version = "1.2.0"

// UserAgent returns the product identifier sent on outbound HTTP requests.
func UserAgent() string { return "dripfeed/" + Version }

// Package utils provides shared helpers for rdma-write.
package utils

import "strings"

// SanitizeName makes a PCI address or device name usable as a CDI device
// name by turning colons, slashes and dots into hyphens.
func SanitizeName(s string) string {
	r := strings.NewReplacer(
		":", "-",
		"/", "-",
		".", "-",
	)
	return r.Replace(s)
}

// Package version provides the library version and the identifiers derived
// from it.
package version

// Current is the version of this library.
const Current = "1.0"

// Product is the product token used in User-Agent headers.
const Product = "chainport-go"

// UserAgent returns the default User-Agent header value: "chainport-go/1.0".
func UserAgent() string {
	return Product + "/" + Current
}

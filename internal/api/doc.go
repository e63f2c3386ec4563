// Package api exposes the resolver and the factory registry over HTTP. The
// calling principal is read from the X-Principal header; authorization itself
// stays with the resolver and factory.
package api

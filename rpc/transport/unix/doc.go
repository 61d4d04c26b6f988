// Package unix implements the Unix domain socket transport for local clients. The endpoint is a
// socket path, an existing file at that path is removed before listening.
package unix

// Package session tracks which connections hold an established secure channel.
package session

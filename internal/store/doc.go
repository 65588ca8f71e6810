// Package store declares the persistence contracts shared by the storage
// backends that are not owned by the crawler itself.
package store

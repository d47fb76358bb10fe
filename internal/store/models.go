package store

// Reader is a person whose annotations live in the shared store.
type Reader struct {
	ID          string
	DisplayName string
}

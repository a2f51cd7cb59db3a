package models

// User is an account record. PassHash is a bcrypt hash, never the raw password.
type User struct {
	ID       int64
	Email    string
	PassHash []byte
}

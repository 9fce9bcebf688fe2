package models

// Operator is an account that receives alert notifications.
type Operator struct {
	ID     int64  `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Email  string `json:"email" yaml:"email"`
	Role   string `json:"role" yaml:"role"`
	Active bool   `json:"active" yaml:"active"`
}

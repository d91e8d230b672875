package model

import (
	"strconv"
	"time"
)

// Company is a customer account that owns business documents.
type Company struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Code            string    `json:"code"`
	ReferenceNumber *int64    `json:"reference_number,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ReferenceText returns the reference number as text, or "" when unset.
func (c Company) ReferenceText() string {
	if c.ReferenceNumber == nil {
		return ""
	}
	return strconv.FormatInt(*c.ReferenceNumber, 10)
}

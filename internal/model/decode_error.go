package model

// DecodeError records a decode failure for one account.
type DecodeError struct {
	Index   int    `json:"index"`
	Key     string `json:"key"`
	Program string `json:"program"`
	Error   string `json:"error"`
}

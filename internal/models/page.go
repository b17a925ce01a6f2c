package models

// Page is the backend's pagination envelope. Next and Previous are absolute
// cursor URLs; the client never auto-follows them.
type Page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// HasNext reports whether another page is available.
func (p *Page[T]) HasNext() bool {
	return p.Next != nil && *p.Next != ""
}

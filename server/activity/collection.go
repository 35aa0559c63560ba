package activity

// OrderedCollection is the summary document served at a collection URL.
type OrderedCollection struct {
	Context    any    `json:"@context,omitempty"`
	Type       string `json:"type"`
	ID         string `json:"id"`
	TotalItems int    `json:"totalItems"`
	First      string `json:"first,omitempty"`
	Last       string `json:"last,omitempty"`
}

// OrderedCollectionPage is one bounded slice of a collection's members.
type OrderedCollectionPage struct {
	Context      any      `json:"@context,omitempty"`
	Type         string   `json:"type"`
	ID           string   `json:"id"`
	PartOf       string   `json:"partOf,omitempty"`
	Next         string   `json:"next,omitempty"`
	Prev         string   `json:"prev,omitempty"`
	OrderedItems []string `json:"orderedItems"`
}

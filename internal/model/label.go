package model

// Label is a named tag applied to messages by the analysis layer.
// Names are globally unique; labels are created on demand.
type Label struct {
	ID     int64
	Name   string
	Color  string
	Weight int
}

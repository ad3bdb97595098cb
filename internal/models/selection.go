package models

// Selection holds the chosen variant index per page in canonical page
// order. Index 0 is the cover.
type Selection []int

// Package models provides data model definitions for BrewPass Core.
package models

import "time"

// Beer is a catalog entry cached from the remote catalog collection.
type Beer struct {
	ID        UUID    `db:"id" json:"id"`
	Name      string  `db:"name" json:"name"`
	Brewery   string  `db:"brewery" json:"brewery"`
	Style     string  `db:"style" json:"style"`
	ABV       float64 `db:"abv" json:"abv"`
	Tasted    bool    `db:"tasted" json:"tasted"`
	UpdatedAt int64   `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Beer.
func (Beer) TableName() string {
	return "beers"
}

// Tasting is a tasted-history entry cached from the remote service.
type Tasting struct {
	ID       UUID   `db:"id" json:"id"`
	BeerID   UUID   `db:"beer_id" json:"beer_id"`
	BeerName string `db:"beer_name" json:"beer_name"`
	TastedAt int64  `db:"tasted_at" json:"tasted_at"`
}

// TableName returns the table name for Tasting.
func (Tasting) TableName() string {
	return "tastings"
}

// TastedTime returns TastedAt as time.Time.
func (t *Tasting) TastedTime() time.Time {
	return time.Unix(t.TastedAt, 0)
}

// Reward is a loyalty reward cached from the remote rewards collection.
type Reward struct {
	ID       UUID   `db:"id" json:"id"`
	Title    string `db:"title" json:"title"`
	Redeemed bool   `db:"redeemed" json:"redeemed"`
	EarnedAt int64  `db:"earned_at" json:"earned_at"`
}

// TableName returns the table name for Reward.
func (Reward) TableName() string {
	return "rewards"
}

// CollectionState tracks the cached content hash per remote collection so a
// refresh can tell whether fetched data actually changed anything.
type CollectionState struct {
	Kind        string `db:"kind" json:"kind"`
	ContentHash string `db:"content_hash" json:"content_hash"`
	ItemCount   int    `db:"item_count" json:"item_count"`
	RefreshedAt int64  `db:"refreshed_at" json:"refreshed_at"`
}

// TableName returns the table name for CollectionState.
func (CollectionState) TableName() string {
	return "collection_state"
}

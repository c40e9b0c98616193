// Package db provides CRUD repository operations for BrewPass data models.
package db

import (
	"database/sql"
	"time"

	"github.com/tapcrew/brewpass/core/internal/models"
)

// =====================================================
// Collection Cache Operations
// =====================================================
// These tables hold the local copy of the remote catalog, tasted-history and
// rewards collections. The store is the read path for the UI; the in-memory
// mirrors above it are always rebuilt from these tables, never the reverse.

// ReplaceBeers swaps the cached catalog for the given items in one transaction.
func (r *Repository) ReplaceBeers(items []*models.Beer) error {
	return r.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM beers"); err != nil {
			return err
		}
		now := time.Now().Unix()
		for _, b := range items {
			_, err := tx.Exec(
				"INSERT INTO beers (id, name, brewery, style, abv, tasted, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
				b.ID, b.Name, b.Brewery, b.Style, b.ABV, b.Tasted, now,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBeer retrieves a cached beer by ID.
func (r *Repository) GetBeer(id string) (*models.Beer, error) {
	query := "SELECT id, name, brewery, style, abv, tasted, updated_at FROM beers WHERE id = ?"
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	var b models.Beer
	err = stmt.QueryRow(id).Scan(&b.ID, &b.Name, &b.Brewery, &b.Style, &b.ABV, &b.Tasted, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBeers returns the cached catalog ordered by name.
func (r *Repository) ListBeers() ([]*models.Beer, error) {
	rows, err := r.db.Query("SELECT id, name, brewery, style, abv, tasted, updated_at FROM beers ORDER BY name ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var beers []*models.Beer
	for rows.Next() {
		var b models.Beer
		if err := rows.Scan(&b.ID, &b.Name, &b.Brewery, &b.Style, &b.ABV, &b.Tasted, &b.UpdatedAt); err != nil {
			return nil, err
		}
		beers = append(beers, &b)
	}
	return beers, rows.Err()
}

// SetBeerTasted flips the local tasted marker for a beer. This is the local
// effect of a check-in; the rollback payload records the prior value.
func (r *Repository) SetBeerTasted(id string, tasted bool) error {
	_, err := r.db.Exec("UPDATE beers SET tasted = ?, updated_at = ? WHERE id = ?",
		tasted, time.Now().Unix(), id)
	return err
}

// ReplaceTastings swaps the cached tasted history in one transaction.
func (r *Repository) ReplaceTastings(items []*models.Tasting) error {
	return r.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM tastings"); err != nil {
			return err
		}
		for _, t := range items {
			_, err := tx.Exec(
				"INSERT INTO tastings (id, beer_id, beer_name, tasted_at) VALUES (?, ?, ?, ?)",
				t.ID, t.BeerID, t.BeerName, t.TastedAt,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListTastings returns the cached tasted history, newest first.
func (r *Repository) ListTastings() ([]*models.Tasting, error) {
	rows, err := r.db.Query("SELECT id, beer_id, beer_name, tasted_at FROM tastings ORDER BY tasted_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tastings []*models.Tasting
	for rows.Next() {
		var t models.Tasting
		if err := rows.Scan(&t.ID, &t.BeerID, &t.BeerName, &t.TastedAt); err != nil {
			return nil, err
		}
		tastings = append(tastings, &t)
	}
	return tastings, rows.Err()
}

// HasTasting reports whether the tasted history contains the given beer.
func (r *Repository) HasTasting(beerID string) (bool, error) {
	stmt, err := r.PrepareStmt("SELECT COUNT(*) FROM tastings WHERE beer_id = ?")
	if err != nil {
		return false, err
	}
	var count int
	if err := stmt.QueryRow(beerID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ReplaceRewards swaps the cached rewards in one transaction.
func (r *Repository) ReplaceRewards(items []*models.Reward) error {
	return r.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM rewards"); err != nil {
			return err
		}
		for _, rw := range items {
			_, err := tx.Exec(
				"INSERT INTO rewards (id, title, redeemed, earned_at) VALUES (?, ?, ?, ?)",
				rw.ID, rw.Title, rw.Redeemed, rw.EarnedAt,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRewards returns the cached rewards, newest first.
func (r *Repository) ListRewards() ([]*models.Reward, error) {
	rows, err := r.db.Query("SELECT id, title, redeemed, earned_at FROM rewards ORDER BY earned_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rewards []*models.Reward
	for rows.Next() {
		var rw models.Reward
		if err := rows.Scan(&rw.ID, &rw.Title, &rw.Redeemed, &rw.EarnedAt); err != nil {
			return nil, err
		}
		rewards = append(rewards, &rw)
	}
	return rewards, rows.Err()
}

// SetRewardRedeemed flips the local redeemed marker for a reward.
func (r *Repository) SetRewardRedeemed(id string, redeemed bool) error {
	_, err := r.db.Exec("UPDATE rewards SET redeemed = ? WHERE id = ?", redeemed, id)
	return err
}

// GetCollectionState returns the cached hash record for a collection kind, or
// sql.ErrNoRows before the first refresh.
func (r *Repository) GetCollectionState(kind string) (*models.CollectionState, error) {
	stmt, err := r.PrepareStmt("SELECT kind, content_hash, item_count, refreshed_at FROM collection_state WHERE kind = ?")
	if err != nil {
		return nil, err
	}
	var s models.CollectionState
	err = stmt.QueryRow(kind).Scan(&s.Kind, &s.ContentHash, &s.ItemCount, &s.RefreshedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveCollectionState upserts the hash record for a collection kind.
func (r *Repository) SaveCollectionState(s *models.CollectionState) error {
	query := `
	INSERT INTO collection_state (kind, content_hash, item_count, refreshed_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(kind) DO UPDATE SET content_hash = excluded.content_hash,
		item_count = excluded.item_count, refreshed_at = excluded.refreshed_at
	`
	_, err := r.db.Exec(query, s.Kind, s.ContentHash, s.ItemCount, s.RefreshedAt)
	return err
}

func (r *Repository) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

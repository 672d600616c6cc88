package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"treeline/internal/config"
	"treeline/internal/model"
	"treeline/internal/repo"
)

// ResolveProductAndConfig picks the active product and ensures a product +
// config exist in DB, seeding defaults if missing. It prefers overrides, then
// single-product DB. If the product does not exist, it is created on the fly.
func ResolveProductAndConfig(ctx context.Context, productOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	productID := productOverride
	if productID == "" {
		if p, err := r.SingleProduct(ctx); err == nil {
			productID = p.ID
		} else {
			return "", nil, fmt.Errorf("product not specified; use --product")
		}
	}
	seedCfg := config.Default(productID)

	if _, err := r.GetProduct(ctx, productID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProduct(ctx, r, productID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetProductConfig(ctx, productID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertProductConfig(ctx, productID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed product config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Product.ID = productID
	return productID, cfg, nil
}

// createProduct inserts a minimal product footprint using the seed config.
func createProduct(ctx context.Context, r repo.Repo, productID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(productID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p := model.Product{ID: productID, Name: productID}
	if err := r.InsertProduct(ctx, tx, p, now); err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	if err := r.UpsertProductConfigTx(ctx, tx, productID, seedCfg); err != nil {
		return fmt.Errorf("insert product config: %w", err)
	}
	return tx.Commit()
}

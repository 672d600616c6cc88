package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"treeline/internal/config"
	"treeline/internal/events"
	"treeline/internal/model"
	"treeline/internal/progress"
	"treeline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) mintID(parts ...string) string {
	seed := ""
	for _, p := range parts {
		seed += p + "|"
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed+e.timestamp())).String()
}

// InitProduct creates a product with its default config. Migrations must
// already have run.
func (e Engine) InitProduct(ctx context.Context, productID, name, description, actorID string) (model.Product, error) {
	if name == "" {
		return model.Product{}, errors.New("name is required")
	}
	if productID == "" {
		productID = e.mintID(name)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Product{}, err
	}
	defer tx.Rollback()

	p := model.Product{ID: productID, Name: name, Description: description}
	if err := e.Repo.InsertProduct(ctx, tx, p, e.timestamp()); err != nil {
		return model.Product{}, fmt.Errorf("insert product: %w", err)
	}
	if err := e.Repo.UpsertProductConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return model.Product{}, fmt.Errorf("insert product config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "product.init", p.ID, "product", p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return model.Product{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Product{}, err
	}
	return p, nil
}

// Tree loads the product hierarchy with all derived values recomputed.
func (e Engine) Tree(ctx context.Context, productID string) (*progress.Tree, error) {
	p, err := e.Repo.LoadProductTree(ctx, productID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: product %s", progress.ErrNotFound, productID)
		}
		return nil, err
	}
	return progress.New(p), nil
}

// DomainOptions are parameters for creating or updating a domain.
type DomainOptions struct {
	ProductID   string
	ID          string
	Name        string
	Completion  int
	Description string
	ActorID     string
}

func (e Engine) UpsertDomain(ctx context.Context, opts DomainOptions) (model.Domain, error) {
	if opts.Name == "" && opts.ID == "" {
		return model.Domain{}, errors.New("name is required")
	}
	tree, err := e.Tree(ctx, opts.ProductID)
	if err != nil {
		return model.Domain{}, err
	}
	id := opts.ID
	if id == "" {
		id = e.mintID(opts.ProductID, opts.Name)
	}
	d := model.Domain{ID: id, Name: opts.Name, Completion: opts.Completion, Description: opts.Description}
	if existing, ok := tree.Domain(id); ok && d.Name == "" {
		d.Name = existing.Name
	}
	if err := tree.UpsertDomain(d); err != nil {
		return model.Domain{}, err
	}
	stored, _ := tree.Domain(id)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Domain{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	pos, err := e.Repo.NextDomainPosition(ctx, tx, opts.ProductID)
	if err != nil {
		return model.Domain{}, err
	}
	if err := e.Repo.UpsertDomain(ctx, tx, opts.ProductID, *stored, pos, now); err != nil {
		return model.Domain{}, err
	}
	if err := e.persistAncestors(ctx, tx, tree, "", "", now); err != nil {
		return model.Domain{}, err
	}
	if err := e.Events.Append(ctx, tx, "domain.upserted", opts.ProductID, "domain", id, opts.ActorID, events.EventPayload{
		"name":       stored.Name,
		"completion": stored.Completion,
	}); err != nil {
		return model.Domain{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Domain{}, err
	}
	out := *stored
	out.Features = nil
	return out, nil
}

// FeatureOptions are parameters for creating or updating a feature.
type FeatureOptions struct {
	ProductID    string
	DomainID     string
	ID           string
	Name         string
	Completion   int
	Priority     model.Priority
	Status       model.Status
	Description  string
	Dependencies []string
	ActorID      string
}

func (e Engine) UpsertFeature(ctx context.Context, opts FeatureOptions) (model.Feature, error) {
	if opts.DomainID == "" {
		return model.Feature{}, errors.New("domain is required")
	}
	tree, err := e.Tree(ctx, opts.ProductID)
	if err != nil {
		return model.Feature{}, err
	}
	id := opts.ID
	if id == "" {
		id = e.mintID(opts.DomainID, opts.Name)
	}
	f := model.Feature{
		ID:           id,
		Name:         opts.Name,
		Completion:   opts.Completion,
		Priority:     opts.Priority,
		Status:       opts.Status,
		Description:  opts.Description,
		Dependencies: opts.Dependencies,
	}
	if existing, _, ok := tree.Feature(id); ok {
		if f.Name == "" {
			f.Name = existing.Name
		}
		if f.Priority == "" {
			f.Priority = existing.Priority
		}
	}
	if err := tree.UpsertFeature(opts.DomainID, f); err != nil {
		return model.Feature{}, err
	}
	stored, parent, _ := tree.Feature(id)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Feature{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	pos, err := e.Repo.NextFeaturePosition(ctx, tx, opts.DomainID)
	if err != nil {
		return model.Feature{}, err
	}
	if err := e.Repo.UpsertFeature(ctx, tx, opts.DomainID, *stored, pos, now); err != nil {
		return model.Feature{}, err
	}
	if err := e.persistAncestors(ctx, tx, tree, parent.ID, "", now); err != nil {
		return model.Feature{}, err
	}
	if err := e.Events.Append(ctx, tx, "feature.upserted", opts.ProductID, "feature", id, opts.ActorID, events.EventPayload{
		"name":       stored.Name,
		"completion": stored.Completion,
		"priority":   stored.Priority,
		"status":     stored.Status,
	}); err != nil {
		return model.Feature{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Feature{}, err
	}
	out := *stored
	out.Subtasks = nil
	return out, nil
}

// SubtaskOptions are parameters for creating or updating a subtask.
type SubtaskOptions struct {
	ProductID  string
	FeatureID  string
	ID         string
	Name       string
	Completion int
	Status     model.Status
	ActorID    string
}

func (e Engine) UpsertSubtask(ctx context.Context, opts SubtaskOptions) (model.Subtask, error) {
	if opts.FeatureID == "" {
		return model.Subtask{}, errors.New("feature is required")
	}
	tree, err := e.Tree(ctx, opts.ProductID)
	if err != nil {
		return model.Subtask{}, err
	}
	id := opts.ID
	if id == "" {
		id = e.mintID(opts.FeatureID, opts.Name)
	}
	s := model.Subtask{ID: id, Name: opts.Name, Completion: opts.Completion, Status: opts.Status}
	if existing, _, ok := tree.Subtask(id); ok && s.Name == "" {
		s.Name = existing.Name
	}
	if err := tree.UpsertSubtask(opts.FeatureID, s); err != nil {
		return model.Subtask{}, err
	}
	stored, parent, _ := tree.Subtask(id)
	_, domainParent, _ := tree.Feature(parent.ID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Subtask{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	pos, err := e.Repo.NextSubtaskPosition(ctx, tx, opts.FeatureID)
	if err != nil {
		return model.Subtask{}, err
	}
	if err := e.Repo.UpsertSubtask(ctx, tx, opts.FeatureID, *stored, pos, now); err != nil {
		return model.Subtask{}, err
	}
	if err := e.persistFeature(ctx, tx, tree, parent.ID, now); err != nil {
		return model.Subtask{}, err
	}
	if err := e.persistAncestors(ctx, tx, tree, domainParent.ID, "", now); err != nil {
		return model.Subtask{}, err
	}
	if err := e.Events.Append(ctx, tx, "subtask.upserted", opts.ProductID, "subtask", id, opts.ActorID, events.EventPayload{
		"name":       stored.Name,
		"completion": stored.Completion,
		"status":     stored.Status,
	}); err != nil {
		return model.Subtask{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Subtask{}, err
	}
	return *stored, nil
}

// persistFeature writes a feature's derived completion and status.
func (e Engine) persistFeature(ctx context.Context, tx *sql.Tx, tree *progress.Tree, featureID, now string) error {
	f, _, ok := tree.Feature(featureID)
	if !ok {
		return nil
	}
	return e.Repo.UpdateCompletion(ctx, tx, "features", f.ID, f.Completion, f.Status, now)
}

// persistAncestors writes the recomputed completions of a domain (when given)
// and the product root.
func (e Engine) persistAncestors(ctx context.Context, tx *sql.Tx, tree *progress.Tree, domainID, featureID, now string) error {
	if featureID != "" {
		if err := e.persistFeature(ctx, tx, tree, featureID, now); err != nil {
			return err
		}
	}
	if domainID != "" {
		if d, ok := tree.Domain(domainID); ok {
			if err := e.Repo.UpdateCompletion(ctx, tx, "domains", d.ID, d.Completion, "", now); err != nil {
				return err
			}
		}
	}
	return e.Repo.UpdateCompletion(ctx, tx, "products", tree.Product.ID, tree.Product.Completion, "", now)
}

func (e Engine) RemoveDomain(ctx context.Context, productID, id, actorID string) error {
	tree, err := e.Tree(ctx, productID)
	if err != nil {
		return err
	}
	if err := tree.RemoveDomain(id); err != nil {
		return err
	}
	return e.removeEntity(ctx, tree, productID, "domain", id, actorID, func(tx *sql.Tx, now string) error {
		if err := e.Repo.DeleteDomain(ctx, tx, id); err != nil {
			return err
		}
		return e.persistAncestors(ctx, tx, tree, "", "", now)
	})
}

func (e Engine) RemoveFeature(ctx context.Context, productID, id, actorID string) error {
	tree, err := e.Tree(ctx, productID)
	if err != nil {
		return err
	}
	_, parent, ok := tree.Feature(id)
	if !ok {
		return fmt.Errorf("%w: feature %s", progress.ErrNotFound, id)
	}
	domainID := parent.ID
	if err := tree.RemoveFeature(id); err != nil {
		return err
	}
	return e.removeEntity(ctx, tree, productID, "feature", id, actorID, func(tx *sql.Tx, now string) error {
		if err := e.Repo.DeleteFeature(ctx, tx, id); err != nil {
			return err
		}
		return e.persistAncestors(ctx, tx, tree, domainID, "", now)
	})
}

func (e Engine) RemoveSubtask(ctx context.Context, productID, id, actorID string) error {
	tree, err := e.Tree(ctx, productID)
	if err != nil {
		return err
	}
	_, feature, ok := tree.Subtask(id)
	if !ok {
		return fmt.Errorf("%w: subtask %s", progress.ErrNotFound, id)
	}
	featureID := feature.ID
	_, domainParent, _ := tree.Feature(featureID)
	domainID := domainParent.ID
	if err := tree.RemoveSubtask(id); err != nil {
		return err
	}
	return e.removeEntity(ctx, tree, productID, "subtask", id, actorID, func(tx *sql.Tx, now string) error {
		if err := e.Repo.DeleteSubtask(ctx, tx, id); err != nil {
			return err
		}
		return e.persistAncestors(ctx, tx, tree, domainID, featureID, now)
	})
}

func (e Engine) removeEntity(ctx context.Context, tree *progress.Tree, productID, kind, id, actorID string, apply func(tx *sql.Tx, now string) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.timestamp()
	if err := apply(tx, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s %s", progress.ErrNotFound, kind, id)
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, kind+".removed", productID, kind, id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Score computes the weighted product score using the configured priority
// weights.
func (e Engine) Score(ctx context.Context, productID string) (int, error) {
	tree, err := e.Tree(ctx, productID)
	if err != nil {
		return 0, err
	}
	cfg := e.Config
	if stored, err := e.Repo.GetProductConfig(ctx, productID); err == nil {
		cfg = stored
	}
	if cfg == nil {
		return 0, errors.New("config not loaded")
	}
	return tree.WeightedScore(cfg.PriorityWeights())
}

// CheckDependencies validates that feature dependencies reference known
// features and contain no cycles.
func (e Engine) CheckDependencies(ctx context.Context, productID string) error {
	tree, err := e.Tree(ctx, productID)
	if err != nil {
		return err
	}
	return tree.CheckDependencies()
}

// StatusSummary returns feature counts per derived status.
func (e Engine) StatusSummary(ctx context.Context, productID string) (map[string]int, error) {
	if _, err := e.Repo.GetProduct(ctx, productID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: product %s", progress.ErrNotFound, productID)
		}
		return nil, err
	}
	return e.Repo.CountFeaturesByStatus(ctx, productID)
}

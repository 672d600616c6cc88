package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"treeline/internal/config"
	"treeline/internal/model"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProductID  string `json:"product_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

func (r Repo) InsertProduct(ctx context.Context, tx *sql.Tx, p model.Product, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO products(id,name,completion,description,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, p.Completion, nullable(p.Description), now, now)
	return err
}

func (r Repo) GetProduct(ctx context.Context, id string) (model.Product, error) {
	var p model.Product
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,completion,description FROM products WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Completion, &desc)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) SingleProduct(ctx context.Context) (model.Product, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,completion,COALESCE(description,'') FROM products`)
	if err != nil {
		return model.Product{}, err
	}
	defer rows.Close()
	var products []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Completion, &p.Description); err != nil {
			return model.Product{}, err
		}
		products = append(products, p)
	}
	if len(products) == 0 {
		return model.Product{}, ErrNotFound
	}
	if len(products) > 1 {
		return model.Product{}, fmt.Errorf("multiple products exist; specify --product")
	}
	return products[0], nil
}

func (r Repo) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,completion,COALESCE(description,'') FROM products ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Completion, &p.Description); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) UpdateProduct(ctx context.Context, tx *sql.Tx, p model.Product, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE products SET name=?, completion=?, description=?, updated_at=? WHERE id=?`,
		p.Name, p.Completion, nullable(p.Description), now, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProduct(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM products WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertDomain(ctx context.Context, tx *sql.Tx, productID string, d model.Domain, position int, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO domains(id,product_id,name,completion,description,position,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, completion=excluded.completion, description=excluded.description, updated_at=excluded.updated_at`,
		d.ID, productID, d.Name, d.Completion, nullable(d.Description), position, now, now)
	return err
}

func (r Repo) UpsertFeature(ctx context.Context, tx *sql.Tx, domainID string, f model.Feature, position int, now string) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO features(id,domain_id,name,completion,priority,status,description,position,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, completion=excluded.completion, priority=excluded.priority, status=excluded.status, description=excluded.description, updated_at=excluded.updated_at`,
		f.ID, domainID, f.Name, f.Completion, f.Priority, f.Status, nullable(f.Description), position, now, now); err != nil {
		return err
	}
	return r.ReplaceDependencies(ctx, tx, f.ID, f.Dependencies)
}

func (r Repo) UpsertSubtask(ctx context.Context, tx *sql.Tx, featureID string, s model.Subtask, position int, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO subtasks(id,feature_id,name,completion,status,position,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, completion=excluded.completion, status=excluded.status, updated_at=excluded.updated_at`,
		s.ID, featureID, s.Name, s.Completion, s.Status, position, now, now)
	return err
}

func (r Repo) UpdateCompletion(ctx context.Context, tx *sql.Tx, table, id string, completion int, status model.Status, now string) error {
	if table == "features" || table == "subtasks" {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET completion=?, status=?, updated_at=? WHERE id=?`, table), completion, status, now, id)
		return err
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET completion=?, updated_at=? WHERE id=?`, table), completion, now, id)
	return err
}

func (r Repo) DeleteDomain(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM domains WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteFeature(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM features WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSubtask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM subtasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ReplaceDependencies(ctx context.Context, tx *sql.Tx, featureID string, deps []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM feature_dependencies WHERE feature_id=?`, featureID); err != nil {
		return err
	}
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO feature_dependencies(feature_id,depends_on) VALUES (?,?)`, featureID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) listDependencies(ctx context.Context) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT feature_id,depends_on FROM feature_dependencies ORDER BY feature_id,depends_on`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]string{}
	for rows.Next() {
		var id, dep string
		if err := rows.Scan(&id, &dep); err != nil {
			return nil, err
		}
		res[id] = append(res[id], dep)
	}
	return res, nil
}

// LoadProductTree assembles the full nested product with siblings in
// position order.
func (r Repo) LoadProductTree(ctx context.Context, productID string) (model.Product, error) {
	p, err := r.GetProduct(ctx, productID)
	if err != nil {
		return p, err
	}

	domainRows, err := r.DB.QueryContext(ctx, `SELECT id,name,completion,COALESCE(description,'') FROM domains WHERE product_id=? ORDER BY position,id`, productID)
	if err != nil {
		return p, err
	}
	defer domainRows.Close()
	domainIdx := map[string]int{}
	for domainRows.Next() {
		var d model.Domain
		if err := domainRows.Scan(&d.ID, &d.Name, &d.Completion, &d.Description); err != nil {
			return p, err
		}
		domainIdx[d.ID] = len(p.Domains)
		p.Domains = append(p.Domains, d)
	}
	if err := domainRows.Err(); err != nil {
		return p, err
	}

	deps, err := r.listDependencies(ctx)
	if err != nil {
		return p, err
	}

	featureRows, err := r.DB.QueryContext(ctx, `SELECT f.id,f.domain_id,f.name,f.completion,f.priority,f.status,COALESCE(f.description,'')
FROM features f JOIN domains d ON d.id=f.domain_id WHERE d.product_id=? ORDER BY f.position,f.id`, productID)
	if err != nil {
		return p, err
	}
	defer featureRows.Close()
	featureLoc := map[string][2]int{}
	for featureRows.Next() {
		var f model.Feature
		var domainID string
		if err := featureRows.Scan(&f.ID, &domainID, &f.Name, &f.Completion, &f.Priority, &f.Status, &f.Description); err != nil {
			return p, err
		}
		f.Dependencies = deps[f.ID]
		di, ok := domainIdx[domainID]
		if !ok {
			continue
		}
		d := &p.Domains[di]
		featureLoc[f.ID] = [2]int{di, len(d.Features)}
		d.Features = append(d.Features, f)
	}
	if err := featureRows.Err(); err != nil {
		return p, err
	}

	subtaskRows, err := r.DB.QueryContext(ctx, `SELECT s.id,s.feature_id,s.name,s.completion,s.status
FROM subtasks s JOIN features f ON f.id=s.feature_id JOIN domains d ON d.id=f.domain_id WHERE d.product_id=? ORDER BY s.position,s.id`, productID)
	if err != nil {
		return p, err
	}
	defer subtaskRows.Close()
	for subtaskRows.Next() {
		var s model.Subtask
		var featureID string
		if err := subtaskRows.Scan(&s.ID, &featureID, &s.Name, &s.Completion, &s.Status); err != nil {
			return p, err
		}
		loc, ok := featureLoc[featureID]
		if !ok {
			continue
		}
		f := &p.Domains[loc[0]].Features[loc[1]]
		f.Subtasks = append(f.Subtasks, s)
	}
	return p, subtaskRows.Err()
}

func (r Repo) NextDomainPosition(ctx context.Context, tx *sql.Tx, productID string) (int, error) {
	var pos int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position)+1,0) FROM domains WHERE product_id=?`, productID).Scan(&pos)
	return pos, err
}

func (r Repo) NextFeaturePosition(ctx context.Context, tx *sql.Tx, domainID string) (int, error) {
	var pos int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position)+1,0) FROM features WHERE domain_id=?`, domainID).Scan(&pos)
	return pos, err
}

func (r Repo) NextSubtaskPosition(ctx context.Context, tx *sql.Tx, featureID string) (int, error) {
	var pos int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position)+1,0) FROM subtasks WHERE feature_id=?`, featureID).Scan(&pos)
	return pos, err
}

func (r Repo) UpsertProductConfig(ctx context.Context, productID string, cfg *config.Config) error {
	return upsertProductConfig(ctx, r.DB, nil, productID, cfg)
}

func (r Repo) UpsertProductConfigTx(ctx context.Context, tx *sql.Tx, productID string, cfg *config.Config) error {
	return upsertProductConfig(ctx, nil, tx, productID, cfg)
}

func upsertProductConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, productID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Product.ID = productID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO product_configs(product_id,config_json,created_at,updated_at) VALUES (?,?,datetime('now'),datetime('now'))
ON CONFLICT(product_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, productID, string(payload))
	return err
}

func (r Repo) GetProductConfig(ctx context.Context, productID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM product_configs WHERE product_id=?`, productID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Product.ID == "" {
		cfg.Product.ID = productID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) CountFeaturesByStatus(ctx context.Context, productID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT f.status, count(*) FROM features f JOIN domains d ON d.id=f.domain_id WHERE d.product_id=? GROUP BY f.status`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, productID, evtType, entityKind, entityID string) ([]Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, productID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, productID, evtType, entityKind, entityID string) ([]Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if productID != "" {
		clauses = append(clauses, "product_id=?")
		args = append(args, productID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(product_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProductID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, productID string) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if productID != "" {
		clauses = append(clauses, "product_id=?")
		args = append(args, productID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(product_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProductID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a product.
func (r Repo) LatestEventID(ctx context.Context, productID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE product_id=?`, productID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
